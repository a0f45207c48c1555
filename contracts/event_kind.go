package contracts

import "strings"

// Family groups event kinds that share a classifier
type Family string

const (
	FamilyTask         Family = "task"
	FamilyStatus       Family = "status"
	FamilyNotification Family = "notification"
	FamilyDevice       Family = "device"
	FamilyUser         Family = "user"
	FamilyBusiness     Family = "business"
	FamilySystem       Family = "system"
	FamilyProgress     Family = "progress"
	FamilyUnknown      Family = "unknown"
)

// EventKind is the closed set of event types understood by the core
type EventKind string

const (
	// Task and command feedback
	KindTaskCreated     EventKind = "TASK_CREATED"
	KindTaskStarted     EventKind = "TASK_STARTED"
	KindTaskCompleted   EventKind = "TASK_COMPLETED"
	KindTaskFailed      EventKind = "TASK_FAILED"
	KindTaskCancelled   EventKind = "TASK_CANCELLED"
	KindCommandSent     EventKind = "COMMAND_SENT"
	KindCommandFeedback EventKind = "COMMAND_FEEDBACK"
	KindCommandTimeout  EventKind = "COMMAND_TIMEOUT"

	// Status changes
	KindDeviceStatusChanged   EventKind = "DEVICE_STATUS_CHANGED"
	KindDeviceHeartbeat       EventKind = "DEVICE_HEARTBEAT"
	KindProgramStatusChanged  EventKind = "PROGRAM_STATUS_CHANGED"
	KindMaterialStatusChanged EventKind = "MATERIAL_STATUS_CHANGED"

	// Notifications
	KindNotification          EventKind = "NOTIFICATION"
	KindUserNotification      EventKind = "USER_NOTIFICATION"
	KindOrgNotification       EventKind = "ORG_NOTIFICATION"
	KindBroadcastNotification EventKind = "BROADCAST_NOTIFICATION"

	// Device domain events
	KindDeviceOnline        EventKind = "DEVICE_ONLINE"
	KindDeviceOffline       EventKind = "DEVICE_OFFLINE"
	KindDeviceAlert         EventKind = "DEVICE_ALERT"
	KindDeviceFault         EventKind = "DEVICE_FAULT"
	KindDeviceRegistered    EventKind = "DEVICE_REGISTERED"
	KindDeviceConfigChanged EventKind = "DEVICE_CONFIG_CHANGED"

	// User domain events
	KindUserLogin         EventKind = "USER_LOGIN"
	KindUserLogout        EventKind = "USER_LOGOUT"
	KindForceLogout       EventKind = "FORCE_LOGOUT"
	KindPermissionChanged EventKind = "PERMISSION_CHANGED"
	KindPasswordChanged   EventKind = "PASSWORD_CHANGED"
	KindAccountLocked     EventKind = "ACCOUNT_LOCKED"
	KindUserCreated       EventKind = "USER_CREATED"

	// Business domain events
	KindProgramSubmitted EventKind = "PROGRAM_SUBMITTED"
	KindProgramApproved  EventKind = "PROGRAM_APPROVED"
	KindProgramRejected  EventKind = "PROGRAM_REJECTED"
	KindProgramPublished EventKind = "PROGRAM_PUBLISHED"
	KindMaterialUploaded EventKind = "MATERIAL_UPLOADED"
	KindMaterialDeleted  EventKind = "MATERIAL_DELETED"
	KindPaymentSucceeded EventKind = "PAYMENT_SUCCEEDED"
	KindPaymentFailed    EventKind = "PAYMENT_FAILED"

	// System events
	KindSystemAnnouncement  EventKind = "SYSTEM_ANNOUNCEMENT"
	KindSystemMaintenance   EventKind = "SYSTEM_MAINTENANCE"
	KindSystemEmergency     EventKind = "SYSTEM_EMERGENCY"
	KindSystemFault         EventKind = "SYSTEM_FAULT"
	KindSystemConfigChanged EventKind = "SYSTEM_CONFIG_CHANGED"

	// Progress
	KindTaskProgress         EventKind = "TASK_PROGRESS"
	KindFileUploadProgress   EventKind = "FILE_UPLOAD_PROGRESS"
	KindBatchUploadProgress  EventKind = "BATCH_UPLOAD_PROGRESS"
	KindBatchUploadCompleted EventKind = "BATCH_UPLOAD_COMPLETED"

	// KindUnknown is assigned to every type string outside the closed set
	KindUnknown EventKind = "UNKNOWN"
)

var kindFamilies = map[EventKind]Family{
	KindTaskCreated:     FamilyTask,
	KindTaskStarted:     FamilyTask,
	KindTaskCompleted:   FamilyTask,
	KindTaskFailed:      FamilyTask,
	KindTaskCancelled:   FamilyTask,
	KindCommandSent:     FamilyTask,
	KindCommandFeedback: FamilyTask,
	KindCommandTimeout:  FamilyTask,

	KindDeviceStatusChanged:   FamilyStatus,
	KindDeviceHeartbeat:       FamilyStatus,
	KindProgramStatusChanged:  FamilyStatus,
	KindMaterialStatusChanged: FamilyStatus,

	KindNotification:          FamilyNotification,
	KindUserNotification:      FamilyNotification,
	KindOrgNotification:       FamilyNotification,
	KindBroadcastNotification: FamilyNotification,

	KindDeviceOnline:        FamilyDevice,
	KindDeviceOffline:       FamilyDevice,
	KindDeviceAlert:         FamilyDevice,
	KindDeviceFault:         FamilyDevice,
	KindDeviceRegistered:    FamilyDevice,
	KindDeviceConfigChanged: FamilyDevice,

	KindUserLogin:         FamilyUser,
	KindUserLogout:        FamilyUser,
	KindForceLogout:       FamilyUser,
	KindPermissionChanged: FamilyUser,
	KindPasswordChanged:   FamilyUser,
	KindAccountLocked:     FamilyUser,
	KindUserCreated:       FamilyUser,

	KindProgramSubmitted: FamilyBusiness,
	KindProgramApproved:  FamilyBusiness,
	KindProgramRejected:  FamilyBusiness,
	KindProgramPublished: FamilyBusiness,
	KindMaterialUploaded: FamilyBusiness,
	KindMaterialDeleted:  FamilyBusiness,
	KindPaymentSucceeded: FamilyBusiness,
	KindPaymentFailed:    FamilyBusiness,

	KindSystemAnnouncement:  FamilySystem,
	KindSystemMaintenance:   FamilySystem,
	KindSystemEmergency:     FamilySystem,
	KindSystemFault:         FamilySystem,
	KindSystemConfigChanged: FamilySystem,

	KindTaskProgress:         FamilyProgress,
	KindFileUploadProgress:   FamilyProgress,
	KindBatchUploadProgress:  FamilyProgress,
	KindBatchUploadCompleted: FamilyProgress,
}

// ParseEventKind maps a raw type string onto the closed kind set.
// Matching ignores case and surrounding whitespace.
func ParseEventKind(raw string) EventKind {
	kind := EventKind(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := kindFamilies[kind]; ok {
		return kind
	}
	return KindUnknown
}

// Family returns the family the kind belongs to
func (k EventKind) Family() Family {
	if f, ok := kindFamilies[k]; ok {
		return f
	}
	return FamilyUnknown
}

// Known reports whether the kind is part of the closed set
func (k EventKind) Known() bool {
	_, ok := kindFamilies[k]
	return ok
}

// KindsOf returns every kind belonging to a family
func KindsOf(family Family) []EventKind {
	var kinds []EventKind
	for k, f := range kindFamilies {
		if f == family {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
