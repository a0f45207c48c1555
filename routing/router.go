// Package routing owns the destination naming scheme of the delivery core.
//
// Destinations follow fixed templates so that each scope has its own prefix
// and two different targets can never produce the same string:
//
//	/user/{userId}/queue/notifications      per-user queue
//	/topic/org/{orgId}                      per-organization topic
//	/topic/org/{orgId}/resource/{type}/{id} per-resource topic
//	/topic/global/{channel}                 global channels
//	/topic/ops/alerts                       operator alerts
//
// Resource topics live under their organization so that subscription checks
// can keep tenants apart by prefix.
package routing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ledfleet/eventcore/contracts"
)

// GlobalChannel names one of the global destinations
type GlobalChannel string

const (
	ChannelAnnouncement GlobalChannel = "announcement"
	ChannelMaintenance  GlobalChannel = "maintenance"
	ChannelEmergency    GlobalChannel = "emergency"
	ChannelBroadcast    GlobalChannel = "broadcast"
)

const (
	userPrefix    = "/user/"
	userSuffix    = "/queue/notifications"
	orgPrefix     = "/topic/org/"
	resourceInfix = "/resource/"
	globalPrefix  = "/topic/global/"
	opsPrefix     = "/topic/ops/"

	// OpsAlerts is the destination operators subscribe to for pipeline alerts
	OpsAlerts = opsPrefix + "alerts"
)

// UserDestination returns the per-user queue
func UserDestination(userID int64) string {
	return fmt.Sprintf("%s%d%s", userPrefix, userID, userSuffix)
}

// OrgDestination returns the per-organization topic
func OrgDestination(orgID int64) string {
	return fmt.Sprintf("%s%d", orgPrefix, orgID)
}

// ResourceDestination returns the topic of a single resource such as a device
// owned by an organization. Segments are path-escaped so ids containing '/'
// cannot collide.
func ResourceDestination(orgID int64, resourceType, resourceID string) string {
	return OrgDestination(orgID) + resourceInfix + url.PathEscape(strings.ToLower(resourceType)) + "/" + url.PathEscape(resourceID)
}

// InOrganization reports whether a destination is the topic of an
// organization or one of its resource topics
func InOrganization(destination string, orgID int64) bool {
	org := OrgDestination(orgID)
	return destination == org || strings.HasPrefix(destination, org+resourceInfix)
}

// IsOps reports whether a destination is reserved for operators
func IsOps(destination string) bool {
	return strings.HasPrefix(destination, opsPrefix)
}

// GlobalDestination returns a global channel topic
func GlobalDestination(channel GlobalChannel) string {
	return globalPrefix + string(channel)
}

// IsGlobal reports whether a destination is one of the global channels
func IsGlobal(destination string) bool {
	return strings.HasPrefix(destination, globalPrefix)
}

// ToUser targets a single user
func ToUser(userID int64) contracts.Target {
	return contracts.Target{
		Kind:   contracts.TargetUser,
		Routes: []contracts.Route{userRoute(userID)},
	}
}

// ToUsers targets a list of users, skipping duplicates
func ToUsers(userIDs ...int64) contracts.Target {
	seen := make(map[int64]struct{}, len(userIDs))
	routes := make([]contracts.Route, 0, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		routes = append(routes, userRoute(id))
	}
	return contracts.Target{Kind: contracts.TargetUsers, Routes: routes}
}

// ToOrganization targets every connected member of an organization
func ToOrganization(orgID int64) contracts.Target {
	return contracts.Target{
		Kind: contracts.TargetOrganization,
		Routes: []contracts.Route{{
			Kind:        contracts.TargetOrganization,
			OrgID:       orgID,
			Destination: OrgDestination(orgID),
		}},
	}
}

// ToResource targets subscribers of a resource topic. Resources without an
// owning organization have no topic and yield an empty target.
func ToResource(orgID int64, resourceType, resourceID string) contracts.Target {
	if orgID == 0 {
		return contracts.Target{}
	}
	return ToTopic(ResourceDestination(orgID, resourceType, resourceID))
}

// ToTopic targets subscribers of an arbitrary topic
func ToTopic(topic string) contracts.Target {
	return contracts.Target{
		Kind:   contracts.TargetTopic,
		Routes: []contracts.Route{{Kind: contracts.TargetTopic, Destination: topic}},
	}
}

// ToGlobal targets every live connection through a global channel
func ToGlobal(channel GlobalChannel) contracts.Target {
	return contracts.Target{
		Kind: contracts.TargetGlobal,
		Routes: []contracts.Route{{
			Kind:        contracts.TargetGlobal,
			Destination: GlobalDestination(channel),
		}},
	}
}

// Combine merges targets into one. The kind of the first non-empty target
// wins and routes with an already seen destination are dropped.
func Combine(targets ...contracts.Target) contracts.Target {
	var out contracts.Target
	seen := make(map[string]struct{})
	for _, t := range targets {
		if len(t.Routes) == 0 {
			continue
		}
		if out.Kind == "" {
			out.Kind = t.Kind
		}
		for _, r := range t.Routes {
			if _, dup := seen[r.Destination]; dup {
				continue
			}
			seen[r.Destination] = struct{}{}
			out.Routes = append(out.Routes, r)
		}
	}
	return out
}

func userRoute(userID int64) contracts.Route {
	return contracts.Route{
		Kind:        contracts.TargetUser,
		UserID:      userID,
		Destination: UserDestination(userID),
	}
}
