// Package node defines the capability interfaces node implementations expose
// (Executable, Validatable, Terminable, Listenable), the compile-time node
// registry, and the trigger-details union that routes responses back to the
// channel an execution originated from.
package node

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Format describes the shape of data flowing between nodes.
type Format string

const (
	FormatString Format = "string"
	FormatJSON   Format = "json"
	FormatArray  Format = "array"
	FormatObject Format = "object"
)

// Status is the outcome of a node execution. Hold is a resumable pause:
// the traversal returns control to the caller without failing.
type Status string

const (
	StatusSuccess Status = "success"
	StatusHold    Status = "hold"
)

// Result is what a node execution produces. For success, Content carries the
// node output (always with a "defaultData" entry). For hold, Hold carries the
// message shown while the execution waits.
type Result struct {
	Status  Status                 `json:"status"`
	Format  Format                 `json:"format"`
	Content map[string]interface{} `json:"content,omitempty"`
	Hold    string                 `json:"hold,omitempty"`
}

// ExecuteInput is the payload handed to a node's Execute: the previous
// node's output plus this node's config.
type ExecuteInput struct {
	Format Format
	Data   map[string]interface{}
	Config map[string]interface{}
}

// Executable is implemented by nodes that run during traversal.
type Executable interface {
	Execute(ctx context.Context, input ExecuteInput) (*Result, *apperr.Error)
}

// Validatable is implemented by nodes whose config is checked at parse time.
type Validatable interface {
	Validate(config map[string]interface{}) *apperr.Error
}

// Terminable is implemented by nodes that hold resources released on
// workflow teardown.
type Terminable interface {
	Terminate(ctx context.Context) *apperr.Error
}

// TriggerDetails identifies the origin of an execution and carries the fields
// needed to route a response back to that channel. Type discriminates which
// fields are populated.
type TriggerDetails struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`

	// interact / webhook
	UserID    string `json:"userId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// telegram
	AccessToken string `json:"accessToken,omitempty"`
	ChatID      string `json:"chatId,omitempty"`

	// discord / slack
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	TS        string `json:"ts,omitempty"`

	// google-sheets
	FileID string `json:"fileId,omitempty"`

	// whatsapp
	PhoneNumberID        string `json:"phoneNumberId,omitempty"`
	RecipientPhoneNumber string `json:"recipientPhoneNumber,omitempty"`
	WebhookURL           string `json:"webhookUrl,omitempty"`
}

// TelegramTriggerType is the registry key for the telegram trigger node. The
// polling client itself lives outside this module; the engine only needs the
// key to recognize telegram triggers for bot-token listener dedup.
const TelegramTriggerType = "telegram-trigger"

// Trigger types.
const (
	TriggerTelegram     = "telegram"
	TriggerDiscord      = "discord"
	TriggerSlack        = "slack"
	TriggerCron         = "cron"
	TriggerGoogleSheets = "google-sheets"
	TriggerWhatsApp     = "whatsapp"
	TriggerWebhook      = "webhook"
	TriggerInteract     = "interact"
)

// TriggerCallback is the single entry point by which any trigger type hands
// control back into the system. It creates a fresh execution cache entry and
// enqueues a new execution.
type TriggerCallback func(ctx context.Context, userID, workflowID string, data interface{}, format Format, details TriggerDetails) *apperr.Error

// StoreListener registers a live listener handle under its unique key so
// termination can find and stop it later.
type StoreListener func(triggerType, uniqueKey string, listener interface{}) *apperr.Error

// ListenerRequest carries everything a trigger needs to start listening.
type ListenerRequest struct {
	UserID        string
	WorkflowID    string
	TriggerNodeID string
	Config        map[string]interface{}
	Callback      TriggerCallback
	Store         StoreListener
}

// Listenable is implemented by trigger nodes that maintain a long-lived
// listener (bot polling, cron schedules, webhook registrations).
type Listenable interface {
	StartListener(ctx context.Context, req ListenerRequest) *apperr.Error
	StopListener(ctx context.Context, listener interface{}, uniqueKey string) *apperr.Error
}

// Definition describes one node type in the registry: its static metadata
// and the factory producing instances. The registry is a single lookup table
// built at process start; there is no dynamic loading.
type Definition struct {
	Type            string
	Category        workflow.Category
	Label           string
	AIGenerateProps map[string]string
	AIPrompt        string
	Factory         func() interface{}
}

// Registry maps node type keys to definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Registering a duplicate type is a Conflict.
func (r *Registry) Register(def *Definition) *apperr.Error {
	if def == nil || def.Type == "" {
		return apperr.NewBadRequest("Node definition requires a type!", nil,
			"node - Registry.Register - empty definition")
	}
	if _, exists := r.defs[def.Type]; exists {
		return apperr.NewConflict("Node type already registered!",
			map[string]interface{}{"nodeType": def.Type},
			"node - Registry.Register - duplicate type")
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup resolves a node type to its definition.
func (r *Registry) Lookup(nodeType string) (*Definition, *apperr.Error) {
	def, ok := r.defs[nodeType]
	if !ok {
		return nil, apperr.NewNotFound("Node instance not found!",
			map[string]interface{}{"nodeType": nodeType},
			"node - Registry.Lookup - unknown type")
	}
	return def, nil
}

// Instance builds a node instance for the given type.
func (r *Registry) Instance(nodeType string) (interface{}, *apperr.Error) {
	def, err := r.Lookup(nodeType)
	if err != nil {
		return nil, err.WithTrace("node - Registry.Instance - Lookup")
	}
	return def.Factory(), nil
}

// BuildNodeMap flattens each node's static data into the execution-ready
// NodeMap, validating Tool node configs along the way.
func BuildNodeMap(wf *workflow.Workflow, registry *Registry) (workflow.NodeMap, *apperr.Error) {
	nodeMap := make(workflow.NodeMap, len(wf.Nodes))

	for _, n := range wf.Nodes {
		def, err := registry.Lookup(n.Type)
		if err != nil {
			return nil, err.WithTrace("node - BuildNodeMap - Registry.Lookup")
		}

		config := wf.NodeConfig(n.ID)

		if n.Category == workflow.CategoryTool {
			instance := def.Factory()
			if v, ok := instance.(Validatable); ok {
				if verr := v.Validate(config); verr != nil {
					return nil, verr.WithTrace("node - BuildNodeMap - Validate")
				}
			}
		}

		nodeMap[n.ID] = &workflow.NodeInfo{
			Type:            n.Type,
			Category:        n.Category,
			Config:          config,
			AIGenerateProps: def.AIGenerateProps,
			AIPrompt:        def.AIPrompt,
		}
	}

	return nodeMap, nil
}
