package mapping

import (
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"

	"github.com/golang-io/mqttsuite/packet"
)

// A TemplateFn is a callable exposed to templates. Arity -1 accepts any
// number of arguments.
type TemplateFn func(args ...any) (any, error)

// PluginFn is one exported function of a plugin table.
type PluginFn struct {
	Name  string
	Arity int
	Call  TemplateFn
}

var (
	pluginsMu sync.RWMutex
	plugins   = map[string][]PluginFn{}
)

// RegisterPlugin installs a named function table that mapping documents
// can request through their "plugins" list.
func RegisterPlugin(name string, fns ...PluginFn) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	plugins[name] = fns
}

// A Publish is one rewrite emitted by the engine, ready to go back out
// on the wire.
type Publish struct {
	TopicName string
	Payload   []byte
	QoS       uint8
	Retain    bool
}

// Engine matches received publishes against the topic tree of a mapping
// document and produces rewrites. It is safe for concurrent use.
type Engine struct {
	doc *Document
	log *slog.Logger

	fnsMu sync.RWMutex
	fns   map[string]func(args ...*pongo2.Value) *pongo2.Value

	tplMu     sync.Mutex
	templates map[*TemplateSub]*pongo2.Template
}

// New builds an engine over a parsed document and resolves its plugin
// list. An unresolvable plugin entry logs and is skipped; the engine
// stays usable.
func New(doc *Document) *Engine {
	e := &Engine{
		doc:       doc,
		log:       slog.Default().With("context", "MAPPING"),
		fns:       make(map[string]func(args ...*pongo2.Value) *pongo2.Value),
		templates: make(map[*TemplateSub]*pongo2.Template),
	}
	for _, name := range doc.Mapping.Plugins {
		pluginsMu.RLock()
		table, ok := plugins[name]
		pluginsMu.RUnlock()
		if !ok {
			e.log.Warn("plugin not registered, skipping", "plugin", name)
			continue
		}
		for _, fn := range table {
			e.RegisterTemplateFn(fn.Name, fn.Arity, fn.Call)
		}
		e.log.Info("plugin loaded", "plugin", name, "functions", len(table))
	}
	return e
}

// RegisterTemplateFn exposes a callable to templates under the given
// name. Arity -1 means variadic; otherwise a call with the wrong number
// of arguments renders as empty and logs.
func (e *Engine) RegisterTemplateFn(name string, arity int, call TemplateFn) {
	log := e.log
	wrapped := func(args ...*pongo2.Value) *pongo2.Value {
		if arity >= 0 && len(args) != arity {
			log.Error("template function called with wrong arity",
				"function", name, "want", arity, "got", len(args))
			return pongo2.AsValue("")
		}
		raw := make([]any, len(args))
		for i, a := range args {
			raw[i] = a.Interface()
		}
		out, err := call(raw...)
		if err != nil {
			log.Error("template function failed", "function", name, "error", err)
			return pongo2.AsValue("")
		}
		return pongo2.AsValue(normalize(out))
	}
	e.fnsMu.Lock()
	e.fns[name] = wrapped
	e.fnsMu.Unlock()
}

// normalize maps integral JSON numbers back to integers. encoding/json
// decodes every number as float64, which would otherwise render as
// "10.000000" and defeat suppression matching on the rendered text.
func normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	}
	return v
}

// joinPath concatenates a parent path and a child name. An empty name
// contributes nothing, and no separator is inserted after a parent that
// is empty or exactly "/".
func joinPath(parent, name string) string {
	if name == "" {
		return parent
	}
	if parent == "" || parent == "/" {
		return parent + name
	}
	return parent + "/" + name
}

// Subscriptions yields the (filter, qos) set of the document by a
// post-order walk of the topic tree, in traversal order.
func (e *Engine) Subscriptions() []packet.Subscription {
	var out []packet.Subscription
	var walk func(levels TopicLevels, parent string)
	walk = func(levels TopicLevels, parent string) {
		for _, level := range levels {
			path := joinPath(parent, level.Name)
			walk(level.TopicLevel, path)
			if level.Subscription != nil {
				out = append(out, packet.Subscription{TopicFilter: path, MaximumQoS: level.Subscription.QoS})
			}
		}
	}
	walk(e.doc.Mapping.TopicLevel, "")
	return out
}

// match walks the tree with the topic's levels. Array children are
// tried in order; the first name match wins. A level with an empty name
// holds no path segment of its own, so the walk descends through it
// without consuming one.
func match(levels TopicLevels, segments []string) *TopicLevel {
	if len(segments) == 0 {
		return nil
	}
	for _, level := range levels {
		if level.Name == "" {
			if found := match(level.TopicLevel, segments); found != nil {
				return found
			}
			continue
		}
		if level.Name != segments[0] {
			continue
		}
		if len(segments) == 1 {
			return level
		}
		return match(level.TopicLevel, segments[1:])
	}
	return nil
}

// Rewrite maps one received publish to its outgoing rewrites. A topic
// with no matching subscription node yields nothing.
func (e *Engine) Rewrite(topicName string, payload []byte, qos uint8) []Publish {
	node := match(e.doc.Mapping.TopicLevel, strings.Split(topicName, "/"))
	if node == nil || node.Subscription == nil {
		return nil
	}
	sub := node.Subscription

	switch {
	case sub.Static != nil:
		var out []Publish
		for _, mm := range sub.Static.MessageMapping {
			if mm.Message != string(payload) {
				continue
			}
			if p, ok := e.emit(sub.Static.MappedTopic, mm.MappedMessage, qos,
				sub.Static.QoSOverride, sub.Static.RetainMessage, sub.Static.Suppressions); ok {
				out = append(out, p)
			}
		}
		return out

	case sub.Value != nil:
		rendered, ok := e.render(sub.Value, pongo2.Context{"value": string(payload)})
		if !ok {
			return nil
		}
		if p, ok := e.emit(sub.Value.MappedTopic, rendered, qos,
			sub.Value.QoSOverride, sub.Value.RetainMessage, sub.Value.Suppressions); ok {
			return []Publish{p}
		}
		return nil

	case sub.JSON != nil:
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			e.log.Warn("payload is not a JSON object, dropping",
				"topic", topicName, "error", err)
			return nil
		}
		normalize(fields)
		rendered, ok := e.render(sub.JSON, pongo2.Context(fields))
		if !ok {
			return nil
		}
		if p, ok := e.emit(sub.JSON.MappedTopic, rendered, qos,
			sub.JSON.QoSOverride, sub.JSON.RetainMessage, sub.JSON.Suppressions); ok {
			return []Publish{p}
		}
		return nil
	}
	return nil
}

// emit applies the QoS override and the suppression rule. A suppressed
// rendering is still emitted when it is empty and retained: that is the
// idiom for clearing a retained topic.
func (e *Engine) emit(topicName, text string, qos uint8, override *uint8, retain bool, suppressions []string) (Publish, bool) {
	if override != nil {
		qos = *override
	}
	if slices.Contains(suppressions, text) && !(retain && text == "") {
		return Publish{}, false
	}
	return Publish{TopicName: topicName, Payload: []byte(text), QoS: qos, Retain: retain}, true
}

func (e *Engine) render(sub *TemplateSub, ctx pongo2.Context) (string, bool) {
	tpl, err := e.template(sub)
	if err != nil {
		e.log.Error("template does not compile",
			"template", sub.MappingTemplate, "error", err)
		return "", false
	}
	e.fnsMu.RLock()
	for name, fn := range e.fns {
		if _, shadowed := ctx[name]; !shadowed {
			ctx[name] = fn
		}
	}
	e.fnsMu.RUnlock()
	out, err := tpl.Execute(ctx)
	if err != nil {
		e.log.Error("template render failed",
			"template", sub.MappingTemplate, "ctx", ctx, "error", err)
		return "", false
	}
	return out, true
}

func (e *Engine) template(sub *TemplateSub) (*pongo2.Template, error) {
	e.tplMu.Lock()
	defer e.tplMu.Unlock()
	if tpl, ok := e.templates[sub]; ok {
		return tpl, nil
	}
	tpl, err := pongo2.FromString(sub.MappingTemplate)
	if err != nil {
		return nil, err
	}
	e.templates[sub] = tpl
	return tpl, nil
}
