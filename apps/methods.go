package apps

// Method is a protocol method or notification name.
type Method string

// Surface -> host requests.
const (
	OpenLinkMethod      Method = "ui/open-link"
	MessageMethod       Method = "ui/message"
	ToolsCallMethod     Method = "tools/call"
	ResourcesReadMethod Method = "resources/read"
	PingMethod          Method = "ping"
	InitializeMethod    Method = "ui/initialize"
)

// Surface -> host notifications.
const (
	LoggingMessageNotificationMethod Method = "notifications/message"
	InitializedNotificationMethod    Method = "ui/notifications/initialized"
	SizeChangedNotificationMethod    Method = "ui/notifications/size-changed"
)

// Host -> surface notifications.
const (
	ToolInputNotificationMethod          Method = "ui/notifications/tool-input"
	ToolInputPartialNotificationMethod   Method = "ui/notifications/tool-input-partial"
	ToolResultNotificationMethod         Method = "ui/notifications/tool-result"
	ToolCancelledNotificationMethod      Method = "ui/notifications/tool-cancelled"
	HostContextChangedNotificationMethod Method = "ui/notifications/host-context-changed"
)

// ProtocolVersion is the app protocol revision announced from ui/initialize.
const ProtocolVersion = "2025-11-21"
