//go:build !windows && !linux

package svcctl

// stubFacility is used on platforms without a supported service manager.
type stubFacility struct{}

// NewFacility returns a facility whose every call fails with ErrUnsupported.
func NewFacility() Facility {
	return stubFacility{}
}

func (stubFacility) OpenManager(ManagerRights) (Handle, error) {
	return nil, ErrUnsupported
}

func (stubFacility) OpenService(Handle, string, Rights) (Handle, error) {
	return nil, ErrUnsupported
}

func (stubFacility) Create(Handle, CreateConfig) (Handle, error) {
	return nil, ErrUnsupported
}

func (stubFacility) Delete(Handle) error {
	return ErrUnsupported
}

func (stubFacility) Control(Handle, Command) (Snapshot, error) {
	return Snapshot{}, ErrUnsupported
}

func (stubFacility) Query(Handle) (Snapshot, error) {
	return Snapshot{}, ErrUnsupported
}

func (stubFacility) Start(Handle, []string) error {
	return ErrUnsupported
}
