// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/notify"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/transport"
)

// Config is the platform memory map and the tunables of every layer.
// Both processors of a pair must agree on everything except Local.
type Config struct {
	Processors []string         `yaml:"processors" ignored:"true"`
	Local      string           `yaml:"local" envconfig:"LOCAL"`
	Regions    []RegionConfig   `yaml:"regions" ignored:"true"`
	Heaps      []HeapConfig     `yaml:"heaps" ignored:"true"`
	Transport  TransportConfig  `yaml:"transport"`
	Notify     NotifyConfig     `yaml:"notify"`
	NameServer NameServerConfig `yaml:"nameserver"`
	MessageQ   MessageQConfig   `yaml:"messageq"`
	Gate       GateConfig       `yaml:"gate"`
	Log        LogConfig        `yaml:"log"`
}

// RegionConfig describes one shared region. Region 0 holds the per-pair
// IPC blocks; heaps may live in any region with a backing segment.
type RegionConfig struct {
	Index uint16 `yaml:"index"`
	Name  string `yaml:"name"`
	// Base is the local address of the region; zero uses the address of
	// the mapped segment.
	Base  uint64 `yaml:"base"`
	Len   uint32 `yaml:"len"`
	Owner string `yaml:"owner"`
	// Path maps the region from a file; empty allocates it in process.
	Path string `yaml:"path"`
}

// HeapConfig places a message heap. The owner creates it, every other
// processor opens it by name when it attaches to the owner.
type HeapConfig struct {
	Name      string `yaml:"name"`
	ID        uint16 `yaml:"id"`
	Owner     string `yaml:"owner"`
	Region    uint16 `yaml:"region"`
	Offset    uint32 `yaml:"offset"`
	BlockSize uint32 `yaml:"blockSize"`
	NumBlocks uint32 `yaml:"numBlocks"`
}

type TransportConfig struct {
	Slots      int    `yaml:"slots" envconfig:"SLOTS"`
	MaxMsgSize uint32 `yaml:"maxMsgSize" envconfig:"MAX_MSG_SIZE"`
	WaitClear  bool   `yaml:"waitClear" envconfig:"WAIT_CLEAR"`
	EventNo    uint8  `yaml:"eventNo" envconfig:"EVENT_NO"`
}

type NotifyConfig struct {
	NumEvents    int           `yaml:"numEvents" envconfig:"NUM_EVENTS"`
	PollInterval time.Duration `yaml:"pollInterval" envconfig:"POLL_INTERVAL"`
}

type NameServerConfig struct {
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxValueLen int           `yaml:"maxValueLen" envconfig:"MAX_VALUE_LEN"`
	EventNo     uint8         `yaml:"eventNo" envconfig:"EVENT_NO"`
}

type MessageQConfig struct {
	MaxQueues     int `yaml:"maxQueues" envconfig:"MAX_QUEUES"`
	QueueCapacity int `yaml:"queueCapacity" envconfig:"QUEUE_CAPACITY"`
}

// GateConfig tunes the gates guarding shared structures.
type GateConfig struct {
	// SpinWarn logs a rate-limited warning when a transport or heap gate
	// is contended this long. Zero disables the warning.
	SpinWarn time.Duration `yaml:"spinWarn" envconfig:"SPIN_WARN"`
}

type LogConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Development bool   `yaml:"development" envconfig:"DEV"`
}

// DefaultConfig returns a two-processor map: HOST and DSP sharing one
// 1 MiB region with a 64-block message heap owned by HOST.
func DefaultConfig() Config {
	return Config{
		Processors: []string{"HOST", "DSP"},
		Local:      "HOST",
		Regions: []RegionConfig{
			{Index: 0, Name: "ipc", Len: 1 << 20, Owner: "HOST"},
		},
		Heaps: []HeapConfig{
			{Name: "msgheap", ID: 1, Owner: "HOST", Region: 0, Offset: 64 << 10, BlockSize: 512, NumBlocks: 64},
		},
		Transport:  TransportConfig{Slots: 32, MaxMsgSize: 512, EventNo: 2},
		Notify:     NotifyConfig{NumEvents: 8, PollInterval: time.Millisecond},
		NameServer: NameServerConfig{Timeout: 100 * time.Millisecond, MaxValueLen: 8, EventNo: 4},
		MessageQ:   MessageQConfig{MaxQueues: 64, QueueCapacity: 256},
		Gate:       GateConfig{SpinWarn: 100 * time.Millisecond},
		Log:        LogConfig{Level: "info"},
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path if
// path is not empty, then environment overrides prefixed IPC_ (for
// example IPC_LOCAL, IPC_TRANSPORT_SLOTS, IPC_NAMESERVER_TIMEOUT).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ipc: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("ipc: parse config: %w", err)
		}
	}
	if err := envconfig.Process("IPC", &cfg); err != nil {
		return nil, fmt.Errorf("ipc: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArg}, args...)...)
}

// Validate checks the map for consistency. Errors match ErrInvalidArg.
func (c *Config) Validate() error {
	if len(c.Processors) == 0 || len(c.Processors) > multiproc.MaxProcessors {
		return invalid("need 1 to %d processors", multiproc.MaxProcessors)
	}
	for i, p := range c.Processors {
		if p == "" || slices.Index(c.Processors, p) != i {
			return invalid("processor %q empty or repeated", p)
		}
	}
	if !slices.Contains(c.Processors, c.Local) {
		return invalid("local processor %q not in the map", c.Local)
	}
	if _, err := transport.SharedMemReq(c.Transport.Slots); err != nil {
		return invalid("transport slots %d", c.Transport.Slots)
	}
	if c.Transport.MaxMsgSize < transport.HeaderSize {
		return invalid("transport max message size %d", c.Transport.MaxMsgSize)
	}
	if c.Notify.NumEvents <= 0 || c.Notify.NumEvents > notify.MaxEvents {
		return invalid("notify events %d", c.Notify.NumEvents)
	}
	if int(c.Transport.EventNo) >= c.Notify.NumEvents || int(c.NameServer.EventNo) >= c.Notify.NumEvents ||
		c.Transport.EventNo == c.NameServer.EventNo {
		return invalid("event numbers %d and %d", c.Transport.EventNo, c.NameServer.EventNo)
	}
	if c.NameServer.MaxValueLen < 4 || c.NameServer.Timeout <= 0 {
		return invalid("nameserver value length %d timeout %s", c.NameServer.MaxValueLen, c.NameServer.Timeout)
	}
	if c.Gate.SpinWarn < 0 {
		return invalid("gate spin warning %s", c.Gate.SpinWarn)
	}

	regions := make(map[uint16]RegionConfig, len(c.Regions))
	for _, r := range c.Regions {
		if _, dup := regions[r.Index]; dup || int(r.Index) >= sharedregion.MaxEntries || r.Len == 0 {
			return invalid("region %d repeated, out of range or empty", r.Index)
		}
		if r.Owner != "" && !slices.Contains(c.Processors, r.Owner) {
			return invalid("region %d owner %q", r.Index, r.Owner)
		}
		for _, o := range regions {
			if r.Base != 0 && o.Base != 0 && r.Base < o.Base+uint64(o.Len) && o.Base < r.Base+uint64(r.Len) {
				return invalid("regions %d and %d overlap", o.Index, r.Index)
			}
		}
		regions[r.Index] = r
	}
	ipcRegion, ok := regions[0]
	if !ok {
		return invalid("region 0 is required")
	}
	layout := NewLayout(c)
	if layout.Size() > ipcRegion.Len {
		return invalid("region 0 holds %d bytes, layout needs %d", ipcRegion.Len, layout.Size())
	}

	ids := make(map[uint16]bool, len(c.Heaps))
	names := make(map[string]bool, len(c.Heaps))
	for _, h := range c.Heaps {
		if h.Name == "" || names[h.Name] || ids[h.ID] {
			return invalid("heap %q name or id %d repeated", h.Name, h.ID)
		}
		names[h.Name], ids[h.ID] = true, true
		if !slices.Contains(c.Processors, h.Owner) {
			return invalid("heap %q owner %q", h.Name, h.Owner)
		}
		r, ok := regions[h.Region]
		if !ok || h.BlockSize == 0 || h.NumBlocks == 0 || h.Offset%shmem.CacheLine != 0 {
			return invalid("heap %q region, block geometry or alignment", h.Name)
		}
		end := uint64(h.Offset) + uint64(heapReq(h))
		if end > uint64(r.Len) || (h.Region == 0 && h.Offset < layout.Size()) {
			return invalid("heap %q does not fit its region", h.Name)
		}
		if h.BlockSize < transport.HeaderSize {
			return invalid("heap %q blocks cannot hold a message header", h.Name)
		}
	}
	for i, a := range c.Heaps {
		for _, b := range c.Heaps[i+1:] {
			if a.Region == b.Region && a.Offset < b.Offset+heapReq(b) && b.Offset < a.Offset+heapReq(a) {
				return invalid("heaps %q and %q overlap", a.Name, b.Name)
			}
		}
	}
	return nil
}
