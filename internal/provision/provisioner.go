package provision

import "context"

type ProvisionRequest struct {
	VMID         string
	TemplateID   string
	Region       string
	InstanceType string
	// ImageID overrides the provider's per-region image when set.
	ImageID string
}

type ProvisionResult struct {
	InstanceID   string
	ImageID      string
	InstanceType string
	PublicIP     string
}

type DeprovisionRequest struct {
	VMID       string
	Region     string
	InstanceID string
}

// Provisioner creates and destroys the cloud instance behind a VM. Provision
// returns once the instance is running and has an address; the streaming host
// on it may still be starting.
type Provisioner interface {
	Name() string
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	Deprovision(ctx context.Context, req DeprovisionRequest) error
}
