package httpapi

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"

	"voip-router/internal/callcontrol"
	"voip-router/internal/fsxml"
	"voip-router/internal/models"
)

// Dialplanner produces a routing decision for a call.
type Dialplanner interface {
	Route(ctx context.Context, call models.CallContext) *callcontrol.Document
}

// DialplanHandler answers xml_curl dialplan lookups. It always responds 200
// with a document the switch can parse.
func DialplanHandler(router Dialplanner, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			logger.Warn("invalid xml_curl request", "error", err)
			writeXML(w, logger, fsxml.NotFound())
			return
		}

		if section := r.Form.Get("section"); section != "" && section != "dialplan" {
			writeXML(w, logger, fsxml.NotFound())
			return
		}

		call, ok := callFromForm(r)
		if !ok {
			logger.Warn("xml_curl request without destination number", "call_id", call.CallID)
			writeXML(w, logger, fsxml.NotFound())
			return
		}

		doc, err := fsxml.Render(router.Route(r.Context(), call))
		if err != nil {
			logger.Error("render dialplan", "call_id", call.CallID, "error", err)
			doc = fsxml.NotFound()
		}
		writeXML(w, logger, doc)
	}
}

// callFromForm reads the xml_curl lookup fields, accepting the short names
// used for manual testing as well.
func callFromForm(r *http.Request) (models.CallContext, bool) {
	field := func(names ...string) string {
		for _, n := range names {
			if v := strings.TrimSpace(r.Form.Get(n)); v != "" {
				return v
			}
		}
		return ""
	}

	call := models.CallContext{
		CallID:      field("Unique-ID", "variable_uuid", "call_id"),
		Domain:      field("variable_domain_name", "domain_name", "domain", "variable_sip_to_host", "variable_sip_req_host"),
		CallerID:    field("Caller-Caller-ID-Number", "caller_id_number", "caller"),
		CallerName:  field("Caller-Caller-ID-Name", "caller_id_name"),
		Destination: field("Caller-Destination-Number", "destination_number", "callee"),
		Context:     field("Caller-Context", "context"),
	}

	switch strings.ToLower(field("variable_routing_direction", "direction")) {
	case string(models.DirectionInbound):
		call.Direction = models.DirectionInbound
	case string(models.DirectionOutbound):
		call.Direction = models.DirectionOutbound
	default:
		if call.Context == "public" {
			call.Direction = models.DirectionInbound
		} else {
			call.Direction = models.DirectionOutbound
		}
	}

	return call, call.Destination != ""
}

func writeXML(w http.ResponseWriter, logger *slog.Logger, doc *fsxml.Document) {
	var buf bytes.Buffer
	if err := fsxml.Encode(&buf, doc); err != nil {
		logger.Error("encode dialplan", "error", err)
		buf.Reset()
		_ = fsxml.Encode(&buf, fsxml.NotFound())
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
