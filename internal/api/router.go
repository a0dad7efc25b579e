// Package api is the management HTTP surface (spec §1's "external
// collaborator" made concrete for this repo, since SPEC_FULL.md asks for a
// runnable example): it mounts the readonlystatestore and autopilot
// endpoint beans over C6 and C8, conditionally, per spec §8 S1/S2/S3.
//
// Grounded on the teacher's internal/api/router.go (http.ServeMux, a Deps
// struct of collaborators, loopback/token auth guarding mutating routes)
// and internal/httpx's middleware, generalized from the orchestration CRUD
// surface to the two fixed endpoints spec §6 names.
package api

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
	"github.com/docxology/kstreams-autopilot/internal/autopilot"
	"github.com/docxology/kstreams-autopilot/internal/config"
	"github.com/docxology/kstreams-autopilot/internal/harness"
	"github.com/docxology/kstreams-autopilot/internal/httpx"
	"github.com/docxology/kstreams-autopilot/internal/iqexec"
	"github.com/docxology/kstreams-autopilot/internal/remotestore"
	"github.com/docxology/kstreams-autopilot/internal/ws"
)

const (
	readOnlyStateStoreEndpoint = "readonlystatestore"
	autopilotEndpoint          = "autopilot"
	streamPath                 = "/autopilot/stream"
	peerStorePrefix            = "/internal/store/"
)

// Deps are the collaborators the management surface wires together. Props
// decides which endpoint beans exist at all (spec §8 S1/S2/S3); Executor,
// Autopilot and Runtime are nil-able so a process can run any subset of
// the query plane, the control plane, and the state-stream supplement.
type Deps struct {
	Props         config.Properties
	Executor      *iqexec.Executor
	Autopilot     *autopilot.Autopilot
	Runtime       *harness.Runtime // enables /autopilot/stream when non-nil
	ManualTimeout time.Duration
	AllowedOrigin string // "" disables CORS entirely
}

// Router builds the management HTTP surface. The returned handler always
// exists; individual endpoint beans are mounted or omitted per Deps and
// per spec §8's exposure scenarios.
func Router(deps Deps) http.Handler {
	mux := http.NewServeMux()

	if deps.Props.EndpointExposed(readOnlyStateStoreEndpoint) {
		if _, _, ok := deps.Props.SelfEndpoint(); ok && deps.Executor != nil {
			mux.Handle("/"+readOnlyStateStoreEndpoint+"/", readOnlyStateStoreHandler(deps.Executor))
		}
		// application.server unset (S3): bean stays absent. C4 construction
		// upstream (internal/localstore.NewAdapter) already failed fatally
		// with apperr.ErrMissingSelfEndpt; there is nothing to mount here.
	}

	if deps.Executor != nil {
		// Unconditional: this is the server side of the remote transport
		// (spec §6) that every instance's remotestore.Stub calls into, not
		// one of the two named management beans S1/S2/S3 gate on Props.
		mux.Handle(peerStorePrefix, peerQueryHandler(deps.Executor))
	}

	if deps.Autopilot != nil {
		mux.Handle("/"+autopilotEndpoint, autopilotHandler(deps.Autopilot, deps.ManualTimeout))
	}

	if deps.Runtime != nil {
		var stater ws.AutopilotStater
		if deps.Autopilot != nil {
			stater = deps.Autopilot
		}
		mux.Handle(streamPath, ws.StreamHandler(deps.Runtime, stater))
	}

	var h http.Handler = mux
	if deps.AllowedOrigin != "" {
		h = httpx.CORS(deps.AllowedOrigin)(h)
	}
	h = httpx.Logging(h)
	h = httpx.RequestID(h)
	return h
}

// readOnlyStateStoreHandler implements spec §4.5/§6: GET {storeName}/{key}
// ?serde={serdeClass} -> {"<key>":"<value>"} | {"<key>":""} |
// {"message":"<text>"}, always HTTP 200 for a GET once the bean is mounted;
// any other method gets 405. Query errors are logged once with a trace=
// prefix before being turned into the message reply.
func readOnlyStateStoreHandler(exec *iqexec.Executor) http.HandlerFunc {
	prefix := "/" + readOnlyStateStoreEndpoint + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, prefix)
		storeName, key, ok := strings.Cut(rest, "/")
		if !ok || storeName == "" || key == "" {
			httpx.JSON(w, http.StatusOK, map[string]string{"message": "storeName and key are required"})
			return
		}

		res, err := exec.Execute(r.Context(), iqexec.Request{
			StoreName:      storeName,
			StringifiedKey: key,
			SerdeClassName: r.URL.Query().Get("serde"),
		})
		if err != nil {
			log.Printf("trace=readonlystatestore store=%s key=%q err=%v", storeName, key, err)
			httpx.JSON(w, http.StatusOK, map[string]string{"message": apperr.Message(err)})
			return
		}
		if !res.Found {
			httpx.JSON(w, http.StatusOK, map[string]string{key: ""})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{key: string(res.Value)})
	}
}

// peerQueryHandler is the inbound side of remotestore.Stub.Get (spec §6's
// remote transport): it parses the path remotestore.PeerPath builds and
// answers it against this instance's own local store, since by the time a
// peer forwards a query here, host resolution has already decided this
// instance owns the key.
func peerQueryHandler(exec *iqexec.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, peerStorePrefix)
		store, encodedKey, ok := strings.Cut(rest, "/key/")
		if !ok || store == "" || encodedKey == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		keyBytes, err := base64.RawURLEncoding.DecodeString(encodedKey)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		value, found, err := exec.LocalGet(store, keyBytes)
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, apperr.Message(err))
			return
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		httpx.JSON(w, http.StatusOK, remotestore.GetResponse{Found: true, Value: value})
	}
}

// autopilotHandler implements spec §4.7/§6: POST adds one thread, DELETE
// removes one; empty bodies; 200 on success, 4xx/5xx on rejection, the
// message forwarded verbatim (spec §7 "manual autopilot calls").
func autopilotHandler(ap *autopilot.Autopilot, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		switch r.Method {
		case http.MethodPost:
			err = ap.AddStreamThread(r.Context(), timeout)
		case http.MethodDelete:
			err = ap.RemoveStreamThread(r.Context(), timeout)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err != nil {
			httpx.JSONError(w, statusForAutopilotErr(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func statusForAutopilotErr(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
