package routing

import "strings"

// Trust headers set on every forwarded request. Engines rely on them, so
// inbound copies are always removed before the resolved values are set.
const (
	HeaderPreview     = "X-Firebuzz-Preview"
	HeaderCampaign    = "X-Firebuzz-Campaign"
	HeaderDomainType  = "X-Firebuzz-Domain-Type"
	HeaderHostname    = "X-Firebuzz-Hostname"
	HeaderProjectID   = "X-Firebuzz-Project-Id"
	HeaderWorkspaceID = "X-Firebuzz-Workspace-Id"
	HeaderEnvironment = "X-Firebuzz-Environment"
)

// ReservedHeaders lists every trust header name.
func ReservedHeaders() []string {
	return []string{
		HeaderPreview,
		HeaderCampaign,
		HeaderDomainType,
		HeaderHostname,
		HeaderProjectID,
		HeaderWorkspaceID,
		HeaderEnvironment,
	}
}

// IsReserved reports whether name is a trust header, ignoring case.
func IsReserved(name string) bool {
	for _, h := range ReservedHeaders() {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
