package watcher

import (
	"time"

	"github.com/stone-age-io/svcwatch/internal/status"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
)

// Metadata describes an installed service as far as the caller's inventory
// knows it. Only InstallStatus is consulted by the watcher.
type Metadata struct {
	InstallStatus status.InstallStatus `json:"install_status"`
	DisplayName   string               `json:"display_name,omitempty"`
	BinaryPath    string               `json:"binary_path,omitempty"`
	FileDate      time.Time            `json:"file_date,omitempty"`
	Architecture  string               `json:"architecture,omitempty"`
	Version       string               `json:"version,omitempty"`
}

// MetadataLookup resolves metadata for a service name.
type MetadataLookup interface {
	Lookup(name string) (Metadata, error)
}

// BindingLookup asks the service manager whether the service exists and
// leaves every other field empty.
type BindingLookup struct {
	Binding *svcctl.Binding
}

// Lookup implements MetadataLookup.
func (l BindingLookup) Lookup(name string) (Metadata, error) {
	installed, err := l.Binding.IsInstalled(name)
	if err != nil {
		return Metadata{InstallStatus: status.InstallUnknown}, err
	}
	if !installed {
		return Metadata{InstallStatus: status.InstallUnknown}, nil
	}
	return Metadata{InstallStatus: status.Installed, DisplayName: name}, nil
}
