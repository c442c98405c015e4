package rpc

import "time"

// Forward RPC (Host -> Worker), see spec.md §4.2.

type InitializeRequest struct {
	PluginID            string
	StoragePath         string
	Config              map[string]string
	TokenCallbackSocket string
	ActiveConnectionID  string
	ActiveConnectionURL string
}

type InitializeResponse struct {
	Success       bool
	PluginName    string
	PluginVersion string
	ErrorMessage  string
}

type GetCommandsRequest struct{}

type CommandDescriptor struct {
	Name          string
	Label         string
	Description   string
	PayloadSchema string
}

type GetCommandsResponse struct {
	Commands []CommandDescriptor
}

type ExecuteRequest struct {
	CommandName   string
	Payload       []byte
	CorrelationID string
}

type ExecuteResponse struct {
	Success       bool
	Result        []byte
	ErrorMessage  string
	CorrelationID string
}

type SubscribeEventsRequest struct {
	EventTypes []string
}

type EventMessage struct {
	PluginID  string
	Type      string
	Payload   []byte
	Timestamp time.Time
	Metadata  map[string]string
}

type ShutdownRequest struct{}

type ShutdownResponse struct {
	Success bool
}

// Reverse RPC (Worker -> Host), see spec.md §4.3.

type GetAccessTokenRequest struct {
	ConnectionID string
	Resource     string
}

type GetAccessTokenResponse struct {
	Success       bool
	AccessToken   string
	ExpiresAtUnix int64
	ErrorMessage  string
}
