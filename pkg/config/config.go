// Package config loads the sled controller configuration from an ini file
// and builds the configuration uploaded to the drive when it boots.
package config

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Get index & subindex matching
var matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)

type BusConfig struct {
	Interface string
	Channel   string
	Bitrate   int
	NodeId    uint8
}

type SDOConfig struct {
	Timeout   time.Duration
	QueueSize int
}

type NetworkConfig struct {
	HeartbeatPeriod   time.Duration
	WatchdogTimeout   time.Duration
	ReconnectInterval time.Duration
	Tick              time.Duration
}

type ProfilesConfig struct {
	MaxProfiles  int
	BaseNumber   uint32
	DefaultTable uint32
}

type MotionConfig struct {
	HomedIndex     uint16
	HomedSubindex  uint8
	HomedMask      uint32
	StatuswordTPDO uint8
}

type StatusConfig struct {
	RedisAddr string // empty disables the status mirror
	RedisKey  string
}

type Config struct {
	Bus      BusConfig
	SDO      SDOConfig
	Network  NetworkConfig
	Profiles ProfilesConfig
	Motion   MotionConfig
	Status   StatusConfig
	// Extra writes appended to the boot time configuration
	Upload Plan
}

func Default() *Config {
	return &Config{
		Bus:      BusConfig{Interface: "socketcan", Channel: "can0", Bitrate: 1000000, NodeId: 1},
		SDO:      SDOConfig{Timeout: 1000 * time.Millisecond, QueueSize: 256},
		Network:  NetworkConfig{HeartbeatPeriod: 100 * time.Millisecond, WatchdogTimeout: 500 * time.Millisecond, ReconnectInterval: 2 * time.Second, Tick: 10 * time.Millisecond},
		Profiles: ProfilesConfig{MaxProfiles: 32, BaseNumber: 200, DefaultTable: 2},
		Motion:   MotionConfig{HomedIndex: 0x6041, HomedSubindex: 0, HomedMask: 0x1000, StatuswordTPDO: 1},
		Status:   StatusConfig{RedisKey: "sled"},
	}
}

// Load a configuration, source can be a file path, []byte or io.Reader.
// Missing keys keep their default value.
func Load(source any) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}
	config := Default()
	p := parser{file: file}

	bus := file.Section("bus")
	config.Bus.Interface = bus.Key("interface").MustString(config.Bus.Interface)
	config.Bus.Channel = bus.Key("channel").MustString(config.Bus.Channel)
	config.Bus.Bitrate = int(p.number("bus", "bitrate", uint64(config.Bus.Bitrate), 32))
	config.Bus.NodeId = uint8(p.number("bus", "node_id", uint64(config.Bus.NodeId), 7))

	config.SDO.Timeout = p.millis("sdo", "timeout_ms", config.SDO.Timeout)
	config.SDO.QueueSize = int(p.number("sdo", "queue_size", uint64(config.SDO.QueueSize), 16))

	config.Network.HeartbeatPeriod = p.millis("network", "heartbeat_period_ms", config.Network.HeartbeatPeriod)
	config.Network.WatchdogTimeout = p.millis("network", "watchdog_timeout_ms", config.Network.WatchdogTimeout)
	config.Network.ReconnectInterval = p.millis("network", "reconnect_interval_ms", config.Network.ReconnectInterval)
	config.Network.Tick = p.millis("network", "tick_ms", config.Network.Tick)

	config.Profiles.MaxProfiles = int(p.number("profiles", "max_profiles", uint64(config.Profiles.MaxProfiles), 16))
	config.Profiles.BaseNumber = uint32(p.number("profiles", "base_number", uint64(config.Profiles.BaseNumber), 16))
	config.Profiles.DefaultTable = uint32(p.number("profiles", "default_table", uint64(config.Profiles.DefaultTable), 32))

	config.Motion.HomedIndex = uint16(p.number("motion", "homed_index", uint64(config.Motion.HomedIndex), 16))
	config.Motion.HomedSubindex = uint8(p.number("motion", "homed_subindex", uint64(config.Motion.HomedSubindex), 8))
	config.Motion.HomedMask = uint32(p.number("motion", "homed_mask", uint64(config.Motion.HomedMask), 32))
	config.Motion.StatuswordTPDO = uint8(p.number("motion", "statusword_tpdo", uint64(config.Motion.StatuswordTPDO), 8))

	status := file.Section("status")
	config.Status.RedisAddr = status.Key("redis_addr").MustString(config.Status.RedisAddr)
	config.Status.RedisKey = status.Key("redis_key").MustString(config.Status.RedisKey)

	if p.err != nil {
		return nil, p.err
	}
	if config.Profiles.MaxProfiles == 0 {
		return nil, errors.New("profiles.max_profiles must be at least 1")
	}
	if config.Motion.StatuswordTPDO < 1 || config.Motion.StatuswordTPDO > 4 {
		return nil, errors.Errorf("motion.statusword_tpdo must be between 1 and 4, got %d", config.Motion.StatuswordTPDO)
	}

	config.Upload, err = parseUpload(file.Section("upload"))
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Keeps the first error met while reading numeric keys
type parser struct {
	file *ini.File
	err  error
}

func (p *parser) number(section string, key string, def uint64, bits int) uint64 {
	k := p.file.Section(section).Key(key)
	raw := strings.TrimSpace(k.String())
	if raw == "" {
		return def
	}
	value, err := strconv.ParseUint(raw, 0, bits)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "%s.%s", section, key)
	}
	if err != nil {
		return def
	}
	return value
}

func (p *parser) millis(section string, key string, def time.Duration) time.Duration {
	ms := p.number(section, key, uint64(def/time.Millisecond), 32)
	return time.Duration(ms) * time.Millisecond
}

// Parse the extra upload entries, keys are IIIIsubSS (hex) and values
// are u8:V, u16:V or u32:V. Entries are ordered by index then subindex.
func parseUpload(section *ini.Section) (Plan, error) {
	var plan Plan
	for _, key := range section.Keys() {
		match := matchSubidxRegExp.FindStringSubmatch(key.Name())
		if match == nil {
			return nil, errors.Errorf("upload key %q, expected IIIIsubSS", key.Name())
		}
		index, err := strconv.ParseUint(match[1], 16, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "upload key %q", key.Name())
		}
		subindex, err := strconv.ParseUint(match[2], 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "upload key %q", key.Name())
		}
		entry, err := parseUploadValue(key.String())
		if err != nil {
			return nil, errors.Wrapf(err, "upload key %q", key.Name())
		}
		entry.Index = uint16(index)
		entry.Subindex = uint8(subindex)
		plan = append(plan, entry)
	}
	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].Index != plan[j].Index {
			return plan[i].Index < plan[j].Index
		}
		return plan[i].Subindex < plan[j].Subindex
	})
	return plan, nil
}

func parseUploadValue(raw string) (Entry, error) {
	kind, value, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found {
		return Entry{}, errors.Errorf("value %q, expected u8:V, u16:V or u32:V", raw)
	}
	var size uint8
	switch strings.ToLower(kind) {
	case "u8":
		size = 1
	case "u16":
		size = 2
	case "u32":
		size = 4
	default:
		return Entry{}, errors.Errorf("unknown type %q", kind)
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 0, int(size)*8)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Value: uint32(parsed), Size: size}, nil
}

// Boot time configuration for a node: heartbeat producer period,
// statusword and actual position mapped on the statusword TPDO,
// then the extra writes of the [upload] section
func (config *Config) UploadPlan() Plan {
	plan := Plan{HeartbeatPeriod(uint16(config.Network.HeartbeatPeriod / time.Millisecond))}
	plan = append(plan, TPDOMapping(uint16(config.Motion.StatuswordTPDO), config.Bus.NodeId, TransmissionTypeAsync, []PDOMappingParameter{
		{Index: 0x6041, Subindex: 0, LengthBits: 16},
		{Index: 0x6064, Subindex: 0, LengthBits: 32},
	})...)
	return append(plan, config.Upload...)
}
