package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ProviderKie       = "kie"
	ProviderReplicate = "replicate"
	ProviderGeneric   = "generic"
)

type CompletionMode string

const (
	CompletionPush CompletionMode = "push"
	CompletionPoll CompletionMode = "poll"
)

type NodeKind string

const (
	NodeLocal    NodeKind = "local"
	NodeProvider NodeKind = "provider"
)

const (
	NodeTrigger        = "trigger"
	NodeTextInput      = "text_input"
	NodeImageUpload    = "image_upload"
	NodeOutput         = "output"
	NodeKieImage       = "kie_image"
	NodeKieVideo       = "kie_video"
	NodeReplicateImage = "replicate_image"
	NodeGenericTask    = "generic_task"
)

const defaultPollInterval = 15 * time.Second

var ErrUnknownNodeType = errors.New("unknown node type")
var ErrUnknownProvider = errors.New("unknown provider")

type ProviderSpec struct {
	ID             string
	Name           string
	APIKeyPrefix   string
	DefaultBaseURL string
	BaseURL        string
	MaxConcurrent  int
	Completion     CompletionMode
	PollInterval   time.Duration
}

type NodeTypeSpec struct {
	Type     string
	Kind     NodeKind
	Provider string
	Model    string
	UnitCost int64
}

// ProviderSetting is the administrator override for one provider, usually
// read from the providers YAML file.
type ProviderSetting struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	MaxConcurrent       *int   `yaml:"max_concurrent"`
	Completion          string `yaml:"completion"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

var builtinProviders = map[string]ProviderSpec{
	ProviderKie: {
		ID:             ProviderKie,
		Name:           "KIE",
		APIKeyPrefix:   "KIE_API_KEY",
		DefaultBaseURL: "https://api.kie.ai",
		MaxConcurrent:  5,
		Completion:     CompletionPush,
	},
	ProviderReplicate: {
		ID:             ProviderReplicate,
		Name:           "REPLICATE",
		APIKeyPrefix:   "REPLICATE_API_KEY",
		DefaultBaseURL: "https://api.replicate.com/v1",
		MaxConcurrent:  3,
		Completion:     CompletionPush,
	},
	ProviderGeneric: {
		ID:             ProviderGeneric,
		Name:           "GENERIC",
		APIKeyPrefix:   "GENERIC_API_KEY",
		DefaultBaseURL: "",
		MaxConcurrent:  1,
		Completion:     CompletionPush,
	},
}

var builtinNodeTypes = map[string]NodeTypeSpec{
	NodeTrigger:        {Type: NodeTrigger, Kind: NodeLocal},
	NodeTextInput:      {Type: NodeTextInput, Kind: NodeLocal},
	NodeImageUpload:    {Type: NodeImageUpload, Kind: NodeLocal},
	NodeOutput:         {Type: NodeOutput, Kind: NodeLocal},
	NodeKieImage:       {Type: NodeKieImage, Kind: NodeProvider, Provider: ProviderKie, Model: "google/nano-banana", UnitCost: 4},
	NodeKieVideo:       {Type: NodeKieVideo, Kind: NodeProvider, Provider: ProviderKie, Model: "veo3_fast", UnitCost: 20},
	NodeReplicateImage: {Type: NodeReplicateImage, Kind: NodeProvider, Provider: ProviderReplicate, Model: "black-forest-labs/flux-schnell", UnitCost: 3},
	NodeGenericTask:    {Type: NodeGenericTask, Kind: NodeProvider, Provider: ProviderGeneric, UnitCost: 1},
}

// Catalog is the immutable provider and node-type table for one process.
// It is built once at startup and shared read-only by every component.
type Catalog struct {
	providers    map[string]ProviderSpec
	fallbackKeys map[string]string
	nodeTypes    map[string]NodeTypeSpec
}

// NewCatalog merges administrator settings and node cost overrides onto the
// builtin tables. Fallback keys come from the setting, else from the
// provider's environment variable.
func NewCatalog(settings map[string]ProviderSetting, nodeCosts map[string]int64, getenv func(string) string) (*Catalog, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	c := &Catalog{
		providers:    make(map[string]ProviderSpec, len(builtinProviders)),
		fallbackKeys: map[string]string{},
		nodeTypes:    make(map[string]NodeTypeSpec, len(builtinNodeTypes)),
	}
	for id, spec := range builtinProviders {
		spec.BaseURL = spec.DefaultBaseURL
		spec.PollInterval = defaultPollInterval
		c.providers[id] = spec
	}

	for rawID, setting := range settings {
		id := normalizeProviderID(rawID)
		spec, ok := c.providers[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, rawID)
		}
		if base := strings.TrimRight(strings.TrimSpace(setting.BaseURL), "/"); base != "" {
			spec.BaseURL = base
		}
		if setting.MaxConcurrent != nil {
			if *setting.MaxConcurrent < 0 {
				return nil, fmt.Errorf("provider %s max_concurrent must be >= 0", id)
			}
			spec.MaxConcurrent = *setting.MaxConcurrent
		}
		switch CompletionMode(strings.ToLower(strings.TrimSpace(setting.Completion))) {
		case "":
		case CompletionPush:
			spec.Completion = CompletionPush
		case CompletionPoll:
			spec.Completion = CompletionPoll
		default:
			return nil, fmt.Errorf("provider %s has unsupported completion=%q", id, setting.Completion)
		}
		if setting.PollIntervalSeconds > 0 {
			spec.PollInterval = time.Duration(setting.PollIntervalSeconds) * time.Second
		}
		if key := strings.TrimSpace(setting.APIKey); key != "" {
			c.fallbackKeys[id] = key
		}
		c.providers[id] = spec
	}

	for id, spec := range c.providers {
		if _, ok := c.fallbackKeys[id]; ok {
			continue
		}
		name := spec.APIKeyPrefix
		if name == "" {
			name = EnvPrefix(id) + "_API_KEY"
		}
		if key := strings.TrimSpace(getenv(name)); key != "" {
			c.fallbackKeys[id] = key
		}
	}

	for t, spec := range builtinNodeTypes {
		c.nodeTypes[t] = spec
	}
	for rawType, cost := range nodeCosts {
		t := strings.ToLower(strings.TrimSpace(rawType))
		spec, ok := c.nodeTypes[t]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, rawType)
		}
		if cost < 0 {
			return nil, fmt.Errorf("node type %s cost must be >= 0", t)
		}
		spec.UnitCost = cost
		c.nodeTypes[t] = spec
	}
	return c, nil
}

func (c *Catalog) Provider(providerID string) (ProviderSpec, error) {
	spec, ok := c.providers[normalizeProviderID(providerID)]
	if !ok {
		return ProviderSpec{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	return spec, nil
}

// NodeType resolves static metadata for a node type. Unknown types are an
// error, never a silent no-op.
func (c *Catalog) NodeType(nodeType string) (NodeTypeSpec, error) {
	spec, ok := c.nodeTypes[strings.ToLower(strings.TrimSpace(nodeType))]
	if !ok {
		return NodeTypeSpec{}, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return spec, nil
}

// MaxConcurrent is the admission ceiling for a provider; 0 means unlimited.
func (c *Catalog) MaxConcurrent(providerID string) int {
	return c.providers[normalizeProviderID(providerID)].MaxConcurrent
}

func (c *Catalog) FallbackKey(providerID string) string {
	return c.fallbackKeys[normalizeProviderID(providerID)]
}

func (c *Catalog) ProviderIDs() []string {
	out := make([]string, 0, len(c.providers))
	for id := range c.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) NodeTypes() []NodeTypeSpec {
	out := make([]NodeTypeSpec, 0, len(c.nodeTypes))
	for _, spec := range c.nodeTypes {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// EnvPrefix maps a provider id to its environment variable prefix.
func EnvPrefix(providerID string) string {
	prefix := strings.ToUpper(strings.TrimSpace(providerID))
	if prefix == "" {
		return "PROVIDER"
	}
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return replacer.Replace(prefix)
}

func normalizeProviderID(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}
