package virtnvme

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/virtnvme/virtnvme/config"
	"github.com/virtnvme/virtnvme/nvme"
)

// startDebugHandler optionally exposes a small HTTP surface with the
// controller's live state, for poking at a running emulation. Off
// unless debug.listen is set.
func startDebugHandler(l *logrus.Logger, c *config.C, ctrl *Controller) (func(), error) {
	listen := c.GetString("debug.listen", "")
	if listen == "" {
		return nil, nil
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/status", statusHandler(ctrl)).Methods(http.MethodGet)
	r.HandleFunc("/v1/registers", registersHandler(ctrl)).Methods(http.MethodGet)

	return func() {
		l.WithField("listen", listen).Info("Debug handler listening")
		if err := http.ListenAndServe(listen, r); err != nil {
			l.WithError(err).Error("Debug handler exited")
		}
	}, nil
}

func statusHandler(ctrl *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sqs, cqs := ctrl.QueueCounts()
		writeJSON(w, map[string]any{
			"enabled":          ctrl.Enabled(),
			"submissionQueues": sqs,
			"completionQueues": cqs,
			"queuePairs":       ctrl.nrQueues,
		})
	}
}

func registersHandler(ctrl *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		reg := ctrl.BAR()
		writeJSON(w, map[string]string{
			"cap":  fmt.Sprintf("%#x", reg.Read64(nvme.RegCAP)),
			"vs":   fmt.Sprintf("%#x", reg.Read32(nvme.RegVS)),
			"cc":   fmt.Sprintf("%#x", reg.Read32(nvme.RegCC)),
			"csts": fmt.Sprintf("%#x", reg.Read32(nvme.RegCSTS)),
			"aqa":  fmt.Sprintf("%#x", reg.Read32(nvme.RegAQA)),
			"asq":  fmt.Sprintf("%#x", reg.Read64(nvme.RegASQ)),
			"acq":  fmt.Sprintf("%#x", reg.Read64(nvme.RegACQ)),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
