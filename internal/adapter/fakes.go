package adapter

import (
	"context"
	"fmt"
	"sync"
)

// FakeCommander is an in-memory RemoteCommander for migrator/controlloop
// tests. Response is keyed by the exact command string; a missing entry
// returns an empty successful output unless Fail matches it.
type FakeCommander struct {
	mu       sync.Mutex
	Calls    []string
	Fail     map[string]error
	Response map[string]string
}

// NewFakeCommander builds an empty FakeCommander.
func NewFakeCommander() *FakeCommander {
	return &FakeCommander{Fail: map[string]error{}, Response: map[string]string{}}
}

func (f *FakeCommander) Run(ctx context.Context, host, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, host+": "+command)
	if err, ok := f.Fail[command]; ok {
		return "", err
	}
	return f.Response[command], nil
}

// FakeCheckpointer is an in-memory Checkpointer.
type FakeCheckpointer struct {
	mu            sync.Mutex
	DumpErr       error
	RestoreErr    error
	HealthErr     error
	Dumps         []string
	Restores      []string
	HealthChecks  []string
}

func NewFakeCheckpointer() *FakeCheckpointer {
	return &FakeCheckpointer{}
}

func (f *FakeCheckpointer) Dump(ctx context.Context, host string, pid int, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dumps = append(f.Dumps, fmt.Sprintf("%s:%d:%s", host, pid, workspace))
	return f.DumpErr
}

func (f *FakeCheckpointer) Restore(ctx context.Context, host, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restores = append(f.Restores, host+":"+workspace)
	return f.RestoreErr
}

func (f *FakeCheckpointer) HealthCheck(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HealthChecks = append(f.HealthChecks, host)
	return f.HealthErr
}

// FakeObjectStore is an in-memory ObjectStore; Upload/Download just record
// calls, since migrator tests only assert on ordering and error handling.
type FakeObjectStore struct {
	mu         sync.Mutex
	UploadErr  error
	DownloadErr error
	Uploaded   []string
	Downloaded []string
}

func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{}
}

func (f *FakeObjectStore) Upload(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploaded = append(f.Uploaded, key)
	return f.UploadErr
}

func (f *FakeObjectStore) Download(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Downloaded = append(f.Downloaded, key)
	return f.DownloadErr
}

// FakeProvisioner is an in-memory Provisioner.
type FakeProvisioner struct {
	Host ProvisionedHost
	Err  error
	Reqs []ProvisionRequest
}

func NewFakeProvisioner(host ProvisionedHost, err error) *FakeProvisioner {
	return &FakeProvisioner{Host: host, Err: err}
}

func (f *FakeProvisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionedHost, error) {
	f.Reqs = append(f.Reqs, req)
	if f.Err != nil {
		return ProvisionedHost{}, f.Err
	}
	return f.Host, nil
}

// FakePriceSource is an in-memory price.Source; Prices is keyed by region
// and returns the next value from a queue (or the last one repeated).
type FakePriceSource struct {
	mu     sync.Mutex
	Prices map[string][]float64
	calls  map[string]int
	Err    map[string]error
}

func NewFakePriceSource() *FakePriceSource {
	return &FakePriceSource{Prices: map[string][]float64{}, calls: map[string]int{}, Err: map[string]error{}}
}

func (f *FakePriceSource) SpotPrice(ctx context.Context, region, instanceType string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Err[region]; ok {
		return 0, err
	}
	q := f.Prices[region]
	if len(q) == 0 {
		return 0, fmt.Errorf("adapter: fake price source has no prices for %s", region)
	}
	idx := f.calls[region]
	f.calls[region]++
	if idx >= len(q) {
		return q[len(q)-1], nil
	}
	return q[idx], nil
}
