// Package plugincontext implements the Plugin Context Runtime (spec.md
// §4.6): the scoped object a worker hands to a loaded plugin at Initialize,
// bounding its logger, storage path, event sink, config store, and client
// factory handle.
package plugincontext

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ddkit/ddk/clientfactory"
	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/model"
)

// defaultEventBufferCap bounds the in-memory event buffer so it cannot grow
// without bound across a long-running command (spec.md §9 design note);
// once full, the oldest event is dropped and DroppedEvents increments.
const defaultEventBufferCap = 4096

// Context is the scoped object supplied to a plugin during Initialize.
type Context struct {
	Logger        *zap.SugaredLogger
	StoragePath   string
	ClientFactory *clientfactory.Factory

	mu            sync.Mutex
	events        []model.Event
	bufCap        int
	droppedEvents uint64

	configPath string
}

// New builds a Context rooted at storagePath, creating it if necessary.
func New(storagePath string, logger *zap.SugaredLogger, factory *clientfactory.Factory) (*Context, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, errs.Wrapf(err, "create plugin storage dir %s", storagePath)
	}
	return &Context{
		Logger:        logger,
		StoragePath:   storagePath,
		ClientFactory: factory,
		bufCap:        defaultEventBufferCap,
		configPath:    filepath.Join(storagePath, "config.json"),
	}, nil
}

// EmitEvent appends ev to the FIFO event sink. Non-blocking: the caller
// (the plugin) never waits on a subscriber. When the buffer is at capacity
// the oldest event is dropped and a counter is incremented, per the bounded
// ring-buffer design note in spec.md §9.
func (c *Context) EmitEvent(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) >= c.bufCap {
		c.events = c.events[1:]
		c.droppedEvents++
	}
	c.events = append(c.events, ev)
}

// DrainSince returns every event with index >= fromIndex, plus the new
// high-water index, for the SubscribeEvents stream poller to use as its
// next starting point. Guarantees events are observed in emission order and
// that none produced before the first drain call are lost.
func (c *Context) DrainSince(fromIndex int) ([]model.Event, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromIndex < 0 || fromIndex > len(c.events) {
		fromIndex = 0
	}
	out := make([]model.Event, len(c.events)-fromIndex)
	copy(out, c.events[fromIndex:])
	return out, len(c.events)
}

// DroppedEvents reports how many events were evicted by buffer pressure.
func (c *Context) DroppedEvents() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedEvents
}

// configDoc is the on-disk shape of config.json.
type configDoc map[string]interface{}

// GetConfig reads key from <storagePath>/config.json.
func (c *Context) GetConfig(key string) (interface{}, error) {
	doc, err := c.readConfig()
	if err != nil {
		return nil, err
	}
	return doc[key], nil
}

// SetConfig persists key=value with a read-then-write, last-writer-wins
// strategy, exactly as spec.md §4.6 specifies (no optimistic locking).
func (c *Context) SetConfig(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.readConfigLocked()
	if err != nil {
		return err
	}
	doc[key] = value
	return c.writeConfigLocked(doc)
}

func (c *Context) readConfig() (configDoc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readConfigLocked()
}

func (c *Context) readConfigLocked() (configDoc, error) {
	raw, err := os.ReadFile(c.configPath)
	if os.IsNotExist(err) {
		return configDoc{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "read plugin config")
	}
	var doc configDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(err, "parse plugin config")
	}
	if doc == nil {
		doc = configDoc{}
	}
	return doc, nil
}

func (c *Context) writeConfigLocked(doc configDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(err, "marshal plugin config")
	}
	tmp := c.configPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.Wrap(err, "write plugin config temp file")
	}
	return os.Rename(tmp, c.configPath)
}
