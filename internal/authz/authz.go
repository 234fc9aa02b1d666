// Package authz holds the pure authorization predicates of §4.6: role
// checks, zone-scoping for coordinators and caregivers, and the
// caregiver-ownership rule for visits. These are re-evaluated on every
// request, including cache hits (P4) — nothing here is itself cached.
package authz

import "github.com/berthcare/core/internal/authtoken"

// Role mirrors the closed role set persisted on users.role.
const (
	RoleCaregiver   = "caregiver"
	RoleCoordinator = "coordinator"
	RoleAdmin       = "admin"
)

// HasRole reports whether p holds any of the given roles.
func HasRole(p authtoken.Principal, roles ...string) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// CanAccessZone reports whether p may act on a resource scoped to zoneID.
// Admins are zone-unrestricted; coordinators and caregivers may only act
// within their own zone (§4.6).
func CanAccessZone(p authtoken.Principal, zoneID string) bool {
	if p.Role == RoleAdmin {
		return true
	}
	return p.ZoneID != "" && p.ZoneID == zoneID
}

// CanAccessVisit reports whether p may read or modify a visit belonging to
// ownerStaffID within zoneID. Caregivers may only touch visits assigned to
// them; coordinators and admins fall back to the zone rule (§4.6, P4).
func CanAccessVisit(p authtoken.Principal, ownerStaffID, zoneID string) bool {
	if p.Role == RoleCaregiver {
		return p.UserID == ownerStaffID
	}
	return CanAccessZone(p, zoneID)
}

// CanManageClients reports whether p may create, update, or deactivate
// client records. Caregivers are read/document-only; coordinators and
// admins manage client records (§4.8).
func CanManageClients(p authtoken.Principal) bool {
	return HasRole(p, RoleCoordinator, RoleAdmin)
}

// CanViewAuditLog reports whether p may read the audit trail (§4.10,
// administrative surface).
func CanViewAuditLog(p authtoken.Principal) bool {
	return p.Role == RoleAdmin
}
