package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/ustar"
)

// Pod lands a stream inside a pod by wrapping it with the USTAR Framer and
// piping the archive into a pod exec of `tar -xf - -C <dir>`, draining
// stderr and raising it as a failure if non-empty (spec §4.4).
//
// Grounded directly on other_examples/c5dd6b36 (metaplay-cli's
// pkg/kubeutil file_copy.go), which builds a PodExecOptions request and
// runs it through remotecommand.NewSPDYExecutor; that file streams a pod's
// tar output to a local reader, the mirror image of what Pod needs here
// (stream a local reader's content into the pod's tar stdin).
type Pod struct {
	namespace string
	pod       string
	path      string

	mu         sync.Mutex
	restConfig *rest.Config
	clientset  kubernetes.Interface
}

// NewPod constructs the Pod transport for dest, using kubeconfig at
// kubeconfigPath (empty string resolves the default loading rules, the
// same convention kubectl and client-go tooling use).
func NewPod(dest ParsedDestination, kubeconfigPath string) *Pod {
	p := &Pod{namespace: dest.Namespace, pod: dest.PodName, path: dest.Path}
	p.loadConfig(kubeconfigPath)
	return p
}

func (p *Pod) loadConfig(kubeconfigPath string) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		rules.ExplicitPath = kubeconfigPath
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return
	}
	p.restConfig = cfg
	p.clientset, _ = kubernetes.NewForConfig(cfg)
}

func (p *Pod) CopyStreamTo(ctx context.Context, source io.Reader, opts StreamOptions) error {
	if p.restConfig == nil || p.clientset == nil {
		return model.NewKindError(model.KindBadInput, fmt.Errorf("pod: no usable kubeconfig for %s/%s", p.namespace, p.pod))
	}

	if _, err := p.clientset.CoreV1().Pods(p.namespace).Get(ctx, p.pod, metav1.GetOptions{}); err != nil {
		kind := model.KindTransientTransport
		if apierrors.IsNotFound(err) {
			kind = model.KindBadInput
		} else if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
			kind = model.KindAuth
		}
		return model.NewKindError(kind, fmt.Errorf("pod: looking up %s/%s: %w", p.namespace, p.pod, err))
	}

	name := path.Base(p.path)
	dir := path.Dir(p.path)

	framer, err := ustar.New(ctx, source, name, opts.KnownSize, ustar.Options{Limiter: opts.RateLimiter})
	if err != nil {
		return model.NewKindError(model.KindBadInput, fmt.Errorf("pod: framing %s: %w", name, err))
	}
	progressFramer := &progressCountingReader{r: framer, onProgress: opts.OnProgress, total: framer.TotalLength()}

	command := []string{"tar", "-xf", "-", "-C", dir}
	req := p.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(p.pod).
		Namespace(p.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdin:   true,
			Stdout:  true,
			Stderr:  true,
			TTY:     false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(p.restConfig, "POST", req.URL())
	if err != nil {
		return model.NewKindError(model.KindTransientTransport, fmt.Errorf("pod: creating executor for %s/%s: %w", p.namespace, p.pod, err))
	}

	var stderr bytes.Buffer
	streamErr := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  progressFramer,
		Stdout: &discardWriter{},
		Stderr: &stderr,
		Tty:    false,
	})

	if streamErr != nil {
		return model.NewKindError(model.KindTransientTransport, fmt.Errorf("pod: exec tar -xf into %s/%s: %w (stderr: %s)", p.namespace, p.pod, streamErr, strings.TrimSpace(stderr.String())))
	}
	if stderr.Len() > 0 {
		return model.NewKindError(model.KindTransientTransport, fmt.Errorf("pod: remote tar reported errors: %s", strings.TrimSpace(stderr.String())))
	}
	return nil
}

func (p *Pod) Close() error { return nil }

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
