//go:build linux

package workerproc

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/udevd/internal/broker"
	"github.com/tripwire/udevd/internal/ruleexec"
)

type fakeStore struct {
	mu        sync.Mutex
	recorded  []broker.Device
	deleted   []broker.Device
	tagged    map[string][]string
	untagged  []broker.Device
}

func newFakeStore() *fakeStore { return &fakeStore{tagged: make(map[string][]string)} }

func (f *fakeStore) Record(d broker.Device, properties map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, d)
	return nil
}
func (f *fakeStore) Delete(d broker.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, d)
	return nil
}
func (f *fakeStore) TagIndex(d broker.Device, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged[d.Devpath] = tags
	return nil
}
func (f *fakeStore) UntagIndex(d broker.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untagged = append(f.untagged, d)
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	published []broker.Device
}

func (s *fakeSink) Publish(d broker.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, d)
	return nil
}

type fakeRules struct {
	result ruleexec.Result
}

func (f *fakeRules) Apply(ctx context.Context, d broker.Device, properties map[string]string, timeout time.Duration) (ruleexec.Result, error) {
	return f.result, nil
}
func (f *fakeRules) RunPrograms(ctx context.Context, d broker.Device, programs []string, timeout time.Duration) error {
	return nil
}

func newCompletionPair(t *testing.T) (addr string, read func() (int, bool)) {
	t.Helper()
	addr = filepath.Join(t.TempDir(), "completion.sock")
	reader, err := broker.NewCompletionReader(addr)
	if err != nil {
		t.Fatalf("NewCompletionReader: %v", err)
	}
	t.Cleanup(func() { reader.Close() })
	return addr, func() (int, bool) {
		pid, hasCreds, err := reader.ReadCompletion()
		if err != nil {
			t.Fatalf("ReadCompletion: %v", err)
		}
		return pid, hasCreds
	}
}

func TestRun_ProcessesDeviceAndReportsCompletion(t *testing.T) {
	addr, readCompletion := newCompletionPair(t)

	d := broker.Device{
		Seqnum:    1,
		Devpath:   "/devices/virtual/net/eth0",
		Subsystem: "net",
		Ifindex:   3,
		Action:    broker.ActionAdd,
		Sysname:   "eth0",
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(d); err != nil {
		t.Fatalf("encode device: %v", err)
	}

	store := newFakeStore()
	sink := &fakeSink{}
	rules := &fakeRules{result: ruleexec.Result{Properties: map[string]string{"ID_NET_NAME": "eth0"}}}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), nil, &buf, Options{}, store, sink, rules, nil, nil, addr)
	}()

	if _, ok := readCompletion(); !ok {
		t.Error("expected completion datagram to carry credentials")
	}

	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(sink.published) != 1 || sink.published[0].Seqnum != 1 {
		t.Errorf("published = %+v, want one device with seqnum 1", sink.published)
	}
	if len(store.recorded) != 1 {
		t.Errorf("recorded = %d records, want 1", len(store.recorded))
	}
}

func TestRun_RemoveDeletesRecordInsteadOfWriting(t *testing.T) {
	addr, readCompletion := newCompletionPair(t)

	d := broker.Device{Seqnum: 2, Devpath: "/devices/virtual/net/eth0", Subsystem: "net", Ifindex: 3, Action: broker.ActionRemove}
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(d)

	store := newFakeStore()
	sink := &fakeSink{}
	rules := &fakeRules{}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), nil, &buf, Options{}, store, sink, rules, nil, nil, addr)
	}()

	readCompletion()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(store.deleted) != 1 {
		t.Errorf("deleted = %d, want 1", len(store.deleted))
	}
	if len(store.recorded) != 0 {
		t.Errorf("recorded = %d, want 0 on remove", len(store.recorded))
	}
}

func TestNeedsLock(t *testing.T) {
	cases := []struct {
		name string
		d    broker.Device
		want bool
	}{
		{"block add", broker.Device{IsBlock: true, Action: broker.ActionAdd, Sysname: "sda"}, true},
		{"block remove", broker.Device{IsBlock: true, Action: broker.ActionRemove, Sysname: "sda"}, false},
		{"dm device", broker.Device{IsBlock: true, Action: broker.ActionAdd, Sysname: "dm-0"}, false},
		{"md device", broker.Device{IsBlock: true, Action: broker.ActionAdd, Sysname: "md0"}, false},
		{"non-block", broker.Device{IsBlock: false, Action: broker.ActionAdd}, false},
	}
	for _, c := range cases {
		if got := needsLock(c.d); got != c.want {
			t.Errorf("%s: needsLock = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestTagList(t *testing.T) {
	got := tagList(map[string]string{"TAGS": "power-switch:systemd"})
	want := []string{"power-switch", "systemd"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("tagList = %v, want %v", got, want)
	}
	if got := tagList(map[string]string{}); got != nil {
		t.Errorf("tagList(empty) = %v, want nil", got)
	}
}

func TestRun_LockContentionSkipsRuleExecution(t *testing.T) {
	addr, readCompletion := newCompletionPair(t)

	d := broker.Device{Seqnum: 3, Devpath: "/devices/sda", Subsystem: "block", IsBlock: true, Action: broker.ActionAdd, Sysname: "sda", Devnum: broker.Devnum{Major: 8, Minor: 0}}
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(d)

	store := newFakeStore()
	sink := &fakeSink{}
	rules := &fakeRules{result: ruleexec.Result{Properties: map[string]string{"X": "1"}}}
	locker := contendedLocker{}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), nil, &buf, Options{}, store, sink, rules, locker, nil, addr)
	}()

	readCompletion()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(sink.published) != 0 {
		t.Errorf("published = %d, want 0 when lock contended", len(sink.published))
	}
}

type contendedLocker struct{}

func (contendedLocker) TryLock(path string) (func(), bool, error) { return nil, false, nil }
