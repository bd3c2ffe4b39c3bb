package models

// Capability is a push permission checked by the ref classifier.
type Capability string

const (
	CapabilityUpload        Capability = "upload"
	CapabilityCreateHead    Capability = "create-head"
	CapabilityPushHead      Capability = "push-head"
	CapabilityForcePushHead Capability = "force-push-head"
	CapabilityDeleteHead    Capability = "delete-head"
	CapabilityPushTag       Capability = "push-tag"
)

// KnownCapability reports whether c is one of the capabilities above.
func KnownCapability(c Capability) bool {
	switch c {
	case CapabilityUpload, CapabilityCreateHead, CapabilityPushHead,
		CapabilityForcePushHead, CapabilityDeleteHead, CapabilityPushTag:
		return true
	}
	return false
}

// GrantAnyone in a grant list matches every authenticated account.
const GrantAnyone = "*"

// Project holds the per-repository settings the intake pipeline consults.
type Project struct {
	Name           string                  `json:"name" toml:"-"`
	UseSignedOffBy bool                    `json:"use_signed_off_by" toml:"use_signed_off_by"`
	Grants         map[Capability][]string `json:"grants" toml:"grants"`
}

// Can reports whether the account holds the capability on the project.
func (p *Project) Can(account *Account, c Capability) bool {
	if p == nil || account == nil {
		return false
	}
	for _, who := range p.Grants[c] {
		if who == GrantAnyone || who == account.Username {
			return true
		}
	}
	return false
}
