package app

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
)

// handleGetStream is the proxy admission point. TS mode attaches the client
// to the multiplexed session and streams until disconnect; HLS mode returns
// the proxy playlist.
func (a *Application) handleGetStream(w http.ResponseWriter, r *http.Request) {
	keyType, key, ok := contentKeyFrom(r)
	if !ok {
		writeError(w, domain.NewError(domain.CodeConfiguration, "missing id or infohash parameter"))
		return
	}

	if a.cfg.Get().Proxy.Mode == config.StreamModeHLS {
		a.serveHLSManifest(w, r, keyType, key)
		return
	}
	a.serveTS(w, r, keyType, key)
}

func (a *Application) serveTS(w http.ResponseWriter, r *http.Request, keyType, key string) {
	sess, client, err := a.tsProxy.Admit(r.Context(), keyType, key, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	defer a.tsProxy.Detach(sess, client.ID)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	if err := sess.ServeClient(r.Context(), client, w); err != nil &&
		!errors.Is(err, r.Context().Err()) {
		a.logger.Debug("Client stream closed", "client", client.ID, "error", err)
	}
}

func (a *Application) serveHLSManifest(w http.ResponseWriter, r *http.Request, keyType, key string) {
	manifest, err := a.hlsProxy.Manifest(r.Context(), keyType, key, viewerKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(manifest))
}

// handleHLSSegment serves buffered segments; evicted ones are 404
func (a *Application) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	seqStr := strings.TrimSuffix(r.PathValue("seq"), ".ts")
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		writeError(w, domain.NewError(domain.CodeConfiguration, "bad segment sequence %q", seqStr))
		return
	}

	data, ok := a.hlsProxy.Segment(key, viewerKey(r), seq)
	if !ok {
		writeError(w, domain.NewError(domain.CodeNotFound, "segment %d not buffered", seq))
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	_, _ = w.Write(data)
}

func contentKeyFrom(r *http.Request) (keyType, key string, ok bool) {
	q := r.URL.Query()
	if v := q.Get("infohash"); v != "" {
		return "infohash", v, true
	}
	if v := q.Get("id"); v != "" {
		return "id", v, true
	}
	if v := q.Get("content_id"); v != "" {
		return "content_id", v, true
	}
	return "", "", false
}

// viewerKey identifies an HLS player well enough to track heartbeats
func viewerKey(r *http.Request) string {
	return clientIP(r) + "|" + r.UserAgent()
}
