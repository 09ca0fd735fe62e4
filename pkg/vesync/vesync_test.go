package vesync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nimdanitro/humidity-manager-go/pkg/apierr"
	"go.uber.org/zap/zaptest"
)

type fakeCloud struct {
	mu         sync.Mutex
	logins     int
	expireNext bool
	devices    []device
	switched   []string
}

func (f *fakeCloud) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cloud/v1/user/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login: %v", err)
		}
		sum := md5.Sum([]byte("secret"))
		if body["email"] != "keeper@example.com" || body["password"] != hex.EncodeToString(sum[:]) {
			_, _ = w.Write([]byte(`{"code":-11201000,"msg":"password incorrect"}`))
			return
		}
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"code":0,"msg":"request success","result":{"accountID":"42","token":"tk-1"}}`))
	})
	mux.HandleFunc("/cloud/v1/deviceManaged/devices", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.expireNext {
			f.expireNext = false
			_, _ = w.Write([]byte(`{"code":-11012022,"msg":"token expired"}`))
			return
		}
		if r.Header.Get("tk") != "tk-1" || r.Header.Get("accountId") != "42" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		res, _ := json.Marshal(devicesResult{Total: len(f.devices), List: f.devices})
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok","result":` + string(res) + `}`))
	})
	mux.HandleFunc("/v1/wifi-switch-1.3/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		f.mu.Lock()
		f.switched = append(f.switched, r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/10a/v1/device/devicestatus", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode status: %v", err)
		}
		f.mu.Lock()
		f.switched = append(f.switched, body["uuid"].(string)+"="+body["status"].(string))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok"}`))
	})
	return mux
}

func (f *fakeCloud) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeCloud) switchedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.switched...)
}

func newTestClient(t *testing.T, f *fakeCloud, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	base := []Option{
		WithBaseURL(srv.URL),
		WithCredentials("keeper@example.com", "secret"),
		WithHTTPClient(srv.Client()),
		WithRateLimit(time.Millisecond, 100),
		WithLogger(zaptest.NewLogger(t)),
	}
	c, err := NewClient(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func testDevices() []device {
	return []device{
		{DeviceName: "Vivarium Mister", CID: "cid-7a", UUID: "uuid-7a", DeviceType: "wifi-switch-1.3", DeviceStatus: "off", ConnectionStatus: "online"},
		{DeviceName: "Fogger", CID: "cid-10a", UUID: "uuid-10a", DeviceType: "ESW03-USA", DeviceStatus: "on", ConnectionStatus: "online"},
		{DeviceName: "Air Purifier", CID: "cid-air", UUID: "uuid-air", DeviceType: "Core200S", DeviceStatus: "on", ConnectionStatus: "online"},
	}
}

func TestGetState(t *testing.T) {
	f := &fakeCloud{devices: testDevices()}
	c := newTestClient(t, f)

	tests := []struct {
		outlet string
		want   State
	}{
		{"Vivarium Mister", Off},
		{"cid-10a", On},
	}
	for _, tt := range tests {
		t.Run(tt.outlet, func(t *testing.T) {
			got, err := c.GetState(context.Background(), tt.outlet)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GetState() = %v, want %v", got, tt.want)
			}
		})
	}
	if n := f.loginCount(); n != 1 {
		t.Errorf("logins = %d, want 1", n)
	}
}

func TestSetState(t *testing.T) {
	f := &fakeCloud{devices: testDevices()}
	c := newTestClient(t, f)

	ctx := context.Background()
	if err := c.SetState(ctx, "Vivarium Mister", On); err != nil {
		t.Fatalf("SetState(7A, On) error = %v", err)
	}
	if err := c.SetState(ctx, "Fogger", Off); err != nil {
		t.Fatalf("SetState(10A, Off) error = %v", err)
	}

	want := []string{"/v1/wifi-switch-1.3/cid-7a/status/on", "uuid-10a=off"}
	got := f.switchedPaths()
	if len(got) != len(want) {
		t.Fatalf("switched = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("switched[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetStateErrors(t *testing.T) {
	f := &fakeCloud{devices: testDevices()}
	c := newTestClient(t, f)
	ctx := context.Background()

	err := c.SetState(ctx, "Garage", On)
	if !errors.Is(err, apierr.ErrNotFound) {
		t.Errorf("unknown outlet: error = %v, want ErrNotFound", err)
	}

	err = c.SetState(ctx, "Air Purifier", On)
	if !errors.Is(err, ErrUnsupported) || !errors.Is(err, apierr.ErrAPI) {
		t.Errorf("unsupported device: error = %v", err)
	}

	if err := c.SetState(ctx, "Fogger", Unknown); err == nil {
		t.Error("expected an error for Unknown")
	}
}

func TestBadCredentials(t *testing.T) {
	f := &fakeCloud{devices: testDevices()}
	c := newTestClient(t, f, WithCredentials("keeper@example.com", "nope"))

	_, err := c.GetState(context.Background(), "Fogger")
	if !errors.Is(err, apierr.ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}
}

func TestExpiredTokenIsDropped(t *testing.T) {
	f := &fakeCloud{devices: testDevices()}
	c := newTestClient(t, f)
	ctx := context.Background()

	if _, err := c.GetState(ctx, "Fogger"); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.expireNext = true
	f.mu.Unlock()
	_, err := c.GetState(ctx, "Fogger")
	if !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if c.token != "" {
		t.Error("token should be cleared")
	}

	if _, err := c.GetState(ctx, "Fogger"); err != nil {
		t.Fatalf("after relogin: %v", err)
	}
	if n := f.loginCount(); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"on":   On,
		"ON":   On,
		" off": Off,
		"":     Unknown,
		"idle": Unknown,
	}
	for in, want := range tests {
		if got := ParseState(in); got != want {
			t.Errorf("ParseState(%q) = %v, want %v", in, got, want)
		}
	}
	if On.String() != "ON" || Off.String() != "OFF" || Unknown.String() != "UNKNOWN" {
		t.Error("unexpected State.String()")
	}
}

func TestStateJSON(t *testing.T) {
	b, err := json.Marshal(map[string]State{"outlet": On})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"outlet":"ON"}` {
		t.Errorf("Marshal = %s", b)
	}

	var got struct{ State State }
	if err := json.Unmarshal([]byte(`{"State":"OFF"}`), &got); err != nil || got.State != Off {
		t.Errorf("Unmarshal = %v, %v", got.State, err)
	}
}
