package fsm

import (
	"time"

	"github.com/veloxio/velox/pkg/core"
)

// LoggerPlugin logs every transition through a core.Logger.
type LoggerPlugin struct {
	Logger core.Logger
}

func NewLoggerPlugin(logger core.Logger) *LoggerPlugin {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &LoggerPlugin{Logger: logger}
}

func (p *LoggerPlugin) Name() string { return "logger" }

func (p *LoggerPlugin) Init(inst *Instance, opts map[string]any) (*Instance, error) {
	p.Logger.Debugf("fsm %s created in state %s", inst.ID, inst.CurrentState)
	return inst, nil
}

func (p *LoggerPlugin) BeforeTransition(inst *Instance, pctx PluginContext) (*Instance, error) {
	p.Logger.Debugf("fsm %s: %s + %s", inst.ID, pctx.OldState, pctx.Event)
	return inst, nil
}

func (p *LoggerPlugin) AfterTransition(inst *Instance, pctx PluginContext) (*Instance, error) {
	p.Logger.Infof("fsm %s: %s -> %s (event: %s)", inst.ID, pctx.OldState, pctx.NewState, pctx.Event)
	return inst, nil
}

// auditKey is the plugin-state slot the audit trail lives under.
const auditKey = "audit"

// AuditEntry is one line of the audit trail kept by AuditPlugin.
type AuditEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditPlugin records every transition in the instance's plugin state. The
// trail survives snapshots, unlike the journal cache.
type AuditPlugin struct {
	// MaxEntries bounds the trail; zero means unbounded.
	MaxEntries int
}

func (p *AuditPlugin) Name() string { return "audit" }

func (p *AuditPlugin) Init(inst *Instance, opts map[string]any) (*Instance, error) {
	if max, ok := opts["max_entries"].(int); ok {
		p.MaxEntries = max
	}
	if inst.PluginState == nil {
		inst.PluginState = make(map[string]any)
	}
	if _, ok := inst.PluginState[auditKey]; !ok {
		inst.PluginState[auditKey] = []AuditEntry{}
	}
	return inst, nil
}

func (p *AuditPlugin) BeforeTransition(inst *Instance, pctx PluginContext) (*Instance, error) {
	return inst, nil
}

func (p *AuditPlugin) AfterTransition(inst *Instance, pctx PluginContext) (*Instance, error) {
	trail, _ := inst.PluginState[auditKey].([]AuditEntry)
	trail = append(trail, AuditEntry{
		From:      pctx.OldState,
		To:        pctx.NewState,
		Event:     pctx.Event,
		Timestamp: time.Now().UTC(),
	})
	if p.MaxEntries > 0 && len(trail) > p.MaxEntries {
		trail = trail[len(trail)-p.MaxEntries:]
	}
	inst.PluginState[auditKey] = trail
	return inst, nil
}

// AuditTrail reads the trail recorded by AuditPlugin.
func AuditTrail(inst *Instance) []AuditEntry {
	trail, _ := inst.PluginState[auditKey].([]AuditEntry)
	return trail
}
