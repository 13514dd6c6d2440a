package owkit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// SensorStatus is the user-visible health record of one device: ok or
// the kind of error it is stuck on, never a process failure.
type SensorStatus struct {
	Address     string     `json:"address"`
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Busy        bool       `json:"busy"`
	Retries     int        `json:"retries"`
	Error       string     `json:"error,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	LastRead    *time.Time `json:"last_read,omitempty"`
}

func (ts *TemperatureSensor) Status() SensorStatus {
	status := SensorStatus{
		Address: ts.Addr().String(),
		Name:    ts.Name,
		State:   ts.sensor.State().String(),
		Busy:    ts.sensor.Busy(),
		Retries: ts.sensor.Retries(),
	}

	if err := ts.sensor.Err(); err != nil {
		status.Error = err.Error()
	}
	if last, ok := ts.sensor.Last(); ok {
		status.Temperature = &last.Temperature
		status.LastRead = &last.Taken
	}

	return status
}

// Statuses reports every sensor on every bus.
func (ow *OwKit) Statuses() []SensorStatus {
	statuses := []SensorStatus{}
	for _, ts := range ow.getSensors() {
		statuses = append(statuses, ts.Status())
	}
	return statuses
}

func (ow *OwKit) statusIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ow.Statuses()); err != nil {
		ow.logger.Error("failed to write status response", "err", err)
	}
}

func (ow *OwKit) statusSensor(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	address := params.ByName("address")
	for _, ts := range ow.getSensors() {
		if ts.Addr().String() == address {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(ts.Status()); err != nil {
				ow.logger.Error("failed to write status response", "err", err)
			}
			return
		}
	}

	http.NotFound(w, r)
}

func (ow *OwKit) statusRouter() *httprouter.Router {
	router := httprouter.New()
	router.GET("/status", ow.statusIndex)
	router.GET("/status/:address", ow.statusSensor)
	return router
}

// ServeStatus exposes the status records over http. Blocks, so run it on
// its own goroutine.
func (ow *OwKit) ServeStatus(address string) error {
	return http.ListenAndServe(address, ow.statusRouter())
}
