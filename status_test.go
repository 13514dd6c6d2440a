package owkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hubertat/owkit/ds18b20"
	"github.com/hubertat/owkit/onewire/onewiretest"
)

func newTestKit(t testing.TB) (*OwKit, *onewiretest.Bus) {
	t.Helper()
	restore := stubSleep()
	t.Cleanup(restore)

	sim := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: onewiretest.NewAddress(ds18b20.Family, 1), RawTemp: 0x0191},
		{Addr: onewiretest.NewAddress(ds18b20.Family, 2), RawTemp: 0x0191},
	}}

	ow := &OwKit{Buses: []*Bus{{Expected: 2, transport: sim}}}
	if err := ow.InitBuses(); err != nil {
		t.Fatalf("got init error: %v", err)
	}
	return ow, sim
}

func TestStatuses(t *testing.T) {
	ow, _ := newTestKit(t)

	statuses := ow.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	for _, status := range statuses {
		if status.State != "idle" {
			t.Errorf("sensor %s: got state %q before any read, want idle", status.Address, status.State)
		}
		if status.Temperature != nil {
			t.Errorf("sensor %s: got temperature before any read", status.Address)
		}
		if status.LastRead != nil {
			t.Errorf("sensor %s: got last read time before any read", status.Address)
		}
	}

	ts := ow.getSensors()[0]
	if _, err := ts.Read(); err != nil {
		t.Fatalf("got read error: %v", err)
	}

	status := ts.Status()
	if status.State != "complete" {
		t.Errorf("got state %q after a read, want complete", status.State)
	}
	if status.Temperature == nil || *status.Temperature != 25.0625 {
		t.Errorf("got temperature %v, want 25.0625", status.Temperature)
	}
	if status.Error != "" {
		t.Errorf("got error %q on a healthy sensor", status.Error)
	}
	if status.LastRead == nil || status.LastRead.IsZero() {
		t.Error("last read time not recorded")
	}

	// A sensor that never produced a reading must not serialize a
	// zero timestamp.
	raw, err := json.Marshal(ow.getSensors()[1].Status())
	if err != nil {
		t.Fatalf("failed to marshal status: %v", err)
	}
	if jsonHasKey(t, raw, "last_read") {
		t.Errorf("unread sensor serialized a last_read field: %s", raw)
	}
}

func jsonHasKey(t testing.TB, raw []byte, key string) bool {
	t.Helper()
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	_, ok := fields[key]
	return ok
}

func TestStatusEndpoint(t *testing.T) {
	ow, _ := newTestKit(t)
	router := ow.statusRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got http %d, want 200", rec.Code)
	}
	var statuses []SensorStatus
	if err := json.NewDecoder(rec.Body).Decode(&statuses); err != nil {
		t.Fatalf("failed to decode status response: %v", err)
	}
	if len(statuses) != 2 {
		t.Errorf("got %d statuses, want 2", len(statuses))
	}
}

func TestStatusEndpointSingleSensor(t *testing.T) {
	ow, _ := newTestKit(t)
	router := ow.statusRouter()
	address := ow.getSensors()[1].Addr().String()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+address, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got http %d, want 200", rec.Code)
	}
	var status SensorStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status response: %v", err)
	}
	if status.Address != address {
		t.Errorf("got status for %q, want %q", status.Address, address)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/28-000000000000-00", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("got http %d for unknown address, want 404", rec.Code)
	}
}
