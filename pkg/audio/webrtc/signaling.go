package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pion/webrtc/v4"
)

// maxOfferBytes caps the request body. Real offers are a few kilobytes.
const maxOfferBytes = 64 << 10

// ServeHTTP handles one offer/answer exchange. The endpoint is meant to be
// called from pages served elsewhere, so it allows any origin.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		http.Error(w, "invalid offer: "+err.Error(), http.StatusBadRequest)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		http.Error(w, "invalid offer: expected type \"offer\" with sdp", http.StatusBadRequest)
		return
	}

	answer, status, err := s.negotiate(r.Context(), offer, r.RemoteAddr)
	if err != nil {
		s.log.Warn("webrtc negotiation failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		s.log.Debug("write answer", "remote", r.RemoteAddr, "err", err)
	}
}

// errAttachRejected marks an answered peer the pipeline refused.
var errAttachRejected = errors.New("webrtc: pipeline is not accepting listeners")

// negotiate creates a peer, answers offer and hands the resulting [Conn] to
// the pipeline. On error it returns the HTTP status to respond with.
func (s *Server) negotiate(ctx context.Context, offer webrtc.SessionDescription, remote string) (webrtc.SessionDescription, int, error) {
	peer, err := s.newPeer()
	if err != nil {
		return webrtc.SessionDescription{}, http.StatusInternalServerError, err
	}
	conn := newConn(peer, remote, s.frameDuration)

	ctx, cancel := context.WithTimeout(ctx, s.negotiationTimeout)
	defer cancel()
	answer, err := peer.Answer(ctx, offer)
	if err != nil {
		_ = conn.Close()
		return webrtc.SessionDescription{}, http.StatusInternalServerError, err
	}

	if err := s.attach(conn); err != nil {
		return webrtc.SessionDescription{}, http.StatusServiceUnavailable, errors.Join(errAttachRejected, err)
	}
	s.log.Info("webrtc peer attached", "remote", remote)
	return answer, http.StatusOK, nil
}
