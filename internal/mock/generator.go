package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/devicemux/backend/internal/device"
)

const (
	PatternSteady     = "steady"
	PatternBurst      = "burst"
	PatternStall      = "stall"
	PatternError      = "error"
	PatternMethodical = "methodical"
)

var errStreamClosed = errors.New("mock stream closed")

// DeviceSpec describes one synthetic device. Lifetime is the number of ticks
// after which the device hangs up; zero keeps it alive.
type DeviceSpec struct {
	Serial   string `yaml:"serial"`
	Pattern  string `yaml:"pattern"`
	Lifetime int    `yaml:"lifetime"`
}

func DefaultDevices() []DeviceSpec {
	return []DeviceSpec{
		{Serial: "emulator-5554", Pattern: PatternSteady},
		{Serial: "emulator-5556", Pattern: PatternBurst},
		{Serial: "R58M40ABCDE", Pattern: PatternMethodical},
		{Serial: "emulator-5558", Pattern: PatternStall},
		{Serial: "ce0217125f1a", Pattern: PatternError},
	}
}

var commonTags = []string{
	"ActivityManager", "PackageManager", "WindowManager", "InputDispatcher",
	"SurfaceFlinger", "ConnectivityService", "BluetoothAdapter", "chatty",
}

var messages = []string{
	"Start proc %d:com.example.app/u0a84 for activity",
	"Displayed com.example.app/.MainActivity: +%dms",
	"Skipped %d frames!  The application may be doing too much work on its main thread.",
	"uid=%d expire 3 lines",
	"NetworkAgentInfo [WIFI () - %d] validation passed",
	"onResume called for token %d",
}

// Generator is a device.Backend producing synthetic log traffic.
type Generator struct {
	devices  map[string]DeviceSpec
	order    []string
	interval time.Duration

	mu     sync.Mutex
	opened map[string]int
}

func NewGenerator(devices []DeviceSpec, interval time.Duration) *Generator {
	if len(devices) == 0 {
		devices = DefaultDevices()
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	g := &Generator{
		devices:  make(map[string]DeviceSpec, len(devices)),
		interval: interval,
		opened:   make(map[string]int),
	}
	for _, d := range devices {
		if _, dup := g.devices[d.Serial]; dup {
			continue
		}
		g.devices[d.Serial] = d
		g.order = append(g.order, d.Serial)
	}
	return g
}

func (g *Generator) ListDevices(ctx context.Context) ([]device.BackendDevice, error) {
	out := make([]device.BackendDevice, 0, len(g.order))
	for _, serial := range g.order {
		out = append(out, device.BackendDevice{Serial: serial, State: "device"})
	}
	return out, nil
}

func (g *Generator) OpenLogStream(ctx context.Context, serial string) (device.LogStream, error) {
	spec, ok := g.devices[serial]
	if !ok {
		return nil, fmt.Errorf("device '%s' not found", serial)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.opened[serial]++
	seed := int64(len(serial))*7919 + int64(g.opened[serial])
	g.mu.Unlock()

	s := &stream{
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	md := &mockDevice{spec: spec, rng: rand.New(rand.NewSource(seed)), pid: 1000 + int(seed%3000)}
	go s.run(md, g.interval)
	return s, nil
}

// Opens reports how many streams were opened for serial.
func (g *Generator) Opens(serial string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened[serial]
}

type event struct {
	rec device.Record
	err error
}

type stream struct {
	events chan event
	done   chan struct{}
	once   sync.Once
}

func (s *stream) Next() (device.Record, error) {
	select {
	case ev := <-s.events:
		return ev.rec, ev.err
	case <-s.done:
		return device.Record{}, errStreamClosed
	}
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stream) run(md *mockDevice, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			tick++
			recs, err := md.advance(tick)
			for _, rec := range recs {
				if !s.emit(event{rec: rec}) {
					return
				}
			}
			if err != nil {
				s.emit(event{err: err})
				return
			}
		}
	}
}

func (s *stream) emit(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

type mockDevice struct {
	spec   DeviceSpec
	rng    *rand.Rand
	pid    int
	tagIdx int
}

// advance returns the records of one tick and a terminal error once the
// device goes away.
func (md *mockDevice) advance(tick int) ([]device.Record, error) {
	if md.spec.Lifetime > 0 && tick > md.spec.Lifetime {
		return nil, io.EOF
	}

	switch md.spec.Pattern {
	case PatternBurst:
		return md.advanceBurst(tick), nil
	case PatternStall:
		return md.advanceStall(tick), nil
	case PatternError:
		return md.advanceError(tick)
	case PatternMethodical:
		return md.advanceMethodical(), nil
	default:
		return md.advanceSteady(), nil
	}
}

func (md *mockDevice) advanceSteady() []device.Record {
	prio := device.PriorityInfo
	if md.rng.Intn(10) == 0 {
		prio = device.PriorityWarn
	}
	return []device.Record{md.record(prio, commonTags[md.rng.Intn(len(commonTags))])}
}

func (md *mockDevice) advanceBurst(tick int) []device.Record {
	n := 1
	if tick%8 < 3 {
		n = 5 + md.rng.Intn(10)
	}
	recs := make([]device.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, md.record(device.PriorityDebug, commonTags[md.rng.Intn(len(commonTags))]))
	}
	return recs
}

// advanceStall goes quiet for 15 of every 20 ticks.
func (md *mockDevice) advanceStall(tick int) []device.Record {
	if tick%20 >= 5 {
		return nil
	}
	return []device.Record{md.record(device.PriorityVerbose, "chatty")}
}

func (md *mockDevice) advanceError(tick int) ([]device.Record, error) {
	if tick >= 25 {
		return []device.Record{md.record(device.PriorityFatal, "AndroidRuntime")},
			errors.New("mock device: usb transport reset")
	}
	prio := device.PriorityInfo
	if tick > 18 {
		prio = device.PriorityError
	}
	return []device.Record{md.record(prio, commonTags[md.rng.Intn(len(commonTags))])}, nil
}

func (md *mockDevice) advanceMethodical() []device.Record {
	tag := commonTags[md.tagIdx%len(commonTags)]
	md.tagIdx++
	return []device.Record{md.record(device.PriorityInfo, tag)}
}

func (md *mockDevice) record(prio device.Priority, tag string) device.Record {
	msg := messages[md.rng.Intn(len(messages))]
	return device.Record{
		Timestamp: time.Now(),
		PID:       md.pid,
		TID:       md.pid + md.rng.Intn(40),
		Priority:  prio,
		Tag:       tag,
		Message:   fmt.Sprintf(msg, md.rng.Intn(9000)+100),
	}
}
