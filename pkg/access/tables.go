package access

import (
	"github.com/tiktrue/platform/pkg/types"
)

// ResourceType classifies what an access check is about
type ResourceType string

const (
	ResourceNetwork      ResourceType = "network"
	ResourceWorker       ResourceType = "worker"
	ResourceModel        ResourceType = "model"
	ResourceAPIEndpoint  ResourceType = "api_endpoint"
	ResourceSystemConfig ResourceType = "system_config"
	ResourceUserData     ResourceType = "user_data"
	ResourceLicense      ResourceType = "license"
	ResourceBackup       ResourceType = "backup"
	ResourceMonitoring   ResourceType = "monitoring"
)

// AccessLevel is the requested or effective strength of an operation
type AccessLevel string

const (
	LevelNone    AccessLevel = "none"
	LevelRead    AccessLevel = "read"
	LevelWrite   AccessLevel = "write"
	LevelExecute AccessLevel = "execute"
	LevelAdmin   AccessLevel = "admin"
	LevelOwner   AccessLevel = "owner"
)

// levelOrder gives NONE < READ < WRITE < EXECUTE < ADMIN < OWNER
var levelOrder = map[AccessLevel]int{
	LevelNone:    0,
	LevelRead:    1,
	LevelWrite:   2,
	LevelExecute: 3,
	LevelAdmin:   4,
	LevelOwner:   5,
}

// Compare orders two access levels: 1 if a > b, 0 if equal, -1 if a < b
func Compare(a, b AccessLevel) int {
	oa, ob := levelOrder[a], levelOrder[b]
	switch {
	case oa > ob:
		return 1
	case oa < ob:
		return -1
	default:
		return 0
	}
}

// Specific permissions a user record can carry
const (
	PermNetworkView   = "network_view"
	PermNetworkModify = "network_modify"
	PermNetworkCreate = "network_create"
	PermWorkerView    = "worker_view"
	PermWorkerManage  = "worker_manage"
	PermModelView     = "model_view"
	PermModelUpload   = "model_upload"
	PermModelDelete   = "model_delete"
	PermAPIInference  = "api_inference"
	PermSystemAdmin   = "system_admin"
	PermSystemMonitor = "system_monitor"
	PermSystemBackup  = "system_backup"
	PermUserView      = "user_view"
	PermUserManage    = "user_manage"
)

// roleResourceLevels is the static role x resource_type -> max level table
var roleResourceLevels = map[types.Role]map[ResourceType]AccessLevel{
	types.RoleAdmin: {
		ResourceNetwork:      LevelAdmin,
		ResourceWorker:       LevelAdmin,
		ResourceModel:        LevelAdmin,
		ResourceAPIEndpoint:  LevelAdmin,
		ResourceSystemConfig: LevelAdmin,
		ResourceUserData:     LevelAdmin,
		ResourceLicense:      LevelAdmin,
		ResourceBackup:       LevelAdmin,
		ResourceMonitoring:   LevelAdmin,
	},
	types.RoleOperator: {
		ResourceNetwork:      LevelWrite,
		ResourceWorker:       LevelWrite,
		ResourceModel:        LevelRead,
		ResourceAPIEndpoint:  LevelRead,
		ResourceSystemConfig: LevelRead,
		ResourceUserData:     LevelRead,
		ResourceLicense:      LevelRead,
		ResourceBackup:       LevelExecute,
		ResourceMonitoring:   LevelRead,
	},
	types.RoleDeveloper: {
		ResourceNetwork:      LevelRead,
		ResourceWorker:       LevelRead,
		ResourceModel:        LevelRead,
		ResourceAPIEndpoint:  LevelExecute,
		ResourceSystemConfig: LevelRead,
		ResourceUserData:     LevelRead,
		ResourceLicense:      LevelRead,
		ResourceBackup:       LevelNone,
		ResourceMonitoring:   LevelRead,
	},
	types.RoleClient: {
		ResourceNetwork:      LevelRead,
		ResourceWorker:       LevelNone,
		ResourceModel:        LevelRead,
		ResourceAPIEndpoint:  LevelExecute,
		ResourceSystemConfig: LevelNone,
		ResourceUserData:     LevelRead,
		ResourceLicense:      LevelNone,
		ResourceBackup:       LevelNone,
		ResourceMonitoring:   LevelNone,
	},
	types.RoleGuest: {
		ResourceNetwork:      LevelRead,
		ResourceWorker:       LevelNone,
		ResourceModel:        LevelRead,
		ResourceAPIEndpoint:  LevelNone,
		ResourceSystemConfig: LevelNone,
		ResourceUserData:     LevelNone,
		ResourceLicense:      LevelNone,
		ResourceBackup:       LevelNone,
		ResourceMonitoring:   LevelNone,
	},
}

type permKey struct {
	resource ResourceType
	level    AccessLevel
}

// permissionMap lists the (resource, level) pairs that additionally
// require a specific permission on the user record. Pairs absent from
// the map need no specific permission.
var permissionMap = map[permKey]string{
	{ResourceNetwork, LevelRead}:       PermNetworkView,
	{ResourceNetwork, LevelWrite}:      PermNetworkModify,
	{ResourceNetwork, LevelAdmin}:      PermNetworkCreate,
	{ResourceWorker, LevelRead}:        PermWorkerView,
	{ResourceWorker, LevelWrite}:       PermWorkerManage,
	{ResourceModel, LevelRead}:         PermModelView,
	{ResourceModel, LevelWrite}:        PermModelUpload,
	{ResourceModel, LevelAdmin}:        PermModelDelete,
	{ResourceAPIEndpoint, LevelExecute}: PermAPIInference,
	{ResourceSystemConfig, LevelAdmin}: PermSystemAdmin,
	{ResourceUserData, LevelRead}:      PermUserView,
	{ResourceUserData, LevelAdmin}:     PermUserManage,
	{ResourceMonitoring, LevelRead}:    PermSystemMonitor,
	{ResourceBackup, LevelExecute}:     PermSystemBackup,
}

// requiredFeatures maps a (resource, level) request to the license
// feature tags it needs.
func requiredFeatures(resource ResourceType, level AccessLevel) []string {
	switch resource {
	case ResourceNetwork:
		if level == LevelWrite || level == LevelAdmin {
			return []string{"multi_network"}
		}
		return []string{"single_network"}
	case ResourceAPIEndpoint:
		return []string{"api_access"}
	case ResourceMonitoring:
		if level == LevelAdmin {
			return []string{"advanced_monitoring"}
		}
		return []string{"basic_monitoring"}
	case ResourceBackup:
		return []string{"backup_restore"}
	}
	return nil
}

// quotaName maps a resource type to its quota bucket, or "" when the
// resource is not quota-gated.
func quotaName(resource ResourceType) string {
	switch resource {
	case ResourceNetwork:
		return "networks"
	case ResourceWorker:
		return "workers"
	case ResourceModel:
		return "models"
	case ResourceAPIEndpoint:
		return "api_calls"
	}
	return ""
}
