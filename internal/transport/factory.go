package transport

import "github.com/ehudhazan/fastcopy/internal/model"

// FactoryConfig carries the collaborators a transport needs to construct
// itself that aren't derivable from the destination URI alone.
type FactoryConfig struct {
	SFTPAuth       AuthConfig
	KubeconfigPath string
}

// New selects and constructs the Transport for dest, the single entry
// point mapping a URI to a transport by scheme (spec §4.4 "Factory").
func New(dest ParsedDestination, cfg FactoryConfig) (Transport, error) {
	switch dest.Scheme {
	case SchemeLocal:
		return NewLocal(dest.Path), nil
	case SchemeSFTP:
		return NewSFTP(dest, cfg.SFTPAuth), nil
	case SchemeContainer:
		return NewContainer(dest), nil
	case SchemePod:
		return NewPod(dest, cfg.KubeconfigPath), nil
	default:
		return nil, model.ErrUnknownScheme
	}
}
