package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"notifyd/internal/logging"
)

// Mock email provider for local runs: accepts sends, hands back a message id,
// then posts a signed delivery event to the webhook endpoint a moment later.

type mockConfig struct {
	Port           string `envconfig:"PORT" default:"8081"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	WebhookURL     string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookDelayMs int    `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	// Outcome event posted back per send: delivered, bounce, dropped...
	Outcome string `envconfig:"MOCK_OUTCOME" default:"delivered"`
	// base64 PKCS8 ECDSA P-256 private key matching the webhook public key
	SigningKey string `envconfig:"MOCK_SIGNING_KEY" default:""`
}

type server struct {
	cfg    mockConfig
	key    *ecdsa.PrivateKey
	seq    uint64
	client *http.Client
}

func main() {
	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	logging.Init("mock-provider", cfg.LogFormat)

	s := &server{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}}
	if cfg.SigningKey != "" {
		der, err := base64.StdEncoding.DecodeString(cfg.SigningKey)
		if err != nil {
			slog.Error("bad signing key", "err", err)
			os.Exit(1)
		}
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			slog.Error("bad signing key", "err", err)
			os.Exit(1)
		}
		s.key = key.(*ecdsa.PrivateKey)
	}

	router := mux.NewRouter()
	router.HandleFunc("/v3/mail/send", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	msgID := fmt.Sprintf("mock-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&s.seq, 1))
	w.Header().Set("X-Message-Id", msgID)
	w.WriteHeader(http.StatusAccepted)

	if s.cfg.WebhookURL != "" {
		go s.postEvent(msgID)
	}
}

func (s *server) postEvent(msgID string) {
	time.Sleep(time.Duration(s.cfg.WebhookDelayMs) * time.Millisecond)

	events := []map[string]any{{
		"event":         s.cfg.Outcome,
		"sg_message_id": msgID + ".recvd-mock",
		"messageId":     msgID,
		"timestamp":     time.Now().Unix(),
	}}
	body, _ := json.Marshal(events)

	req, _ := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if s.key != nil {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		h := sha256.New()
		h.Write([]byte(ts))
		h.Write(body)
		sig, err := ecdsa.SignASN1(rand.Reader, s.key, h.Sum(nil))
		if err != nil {
			slog.Error("event signing failed", "err", err)
			return
		}
		req.Header.Set("X-Twilio-Email-Event-Webhook-Timestamp", ts)
		req.Header.Set("X-Twilio-Email-Event-Webhook-Signature", base64.StdEncoding.EncodeToString(sig))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("webhook post failed", "err", err, "message_id", msgID)
		return
	}
	defer resp.Body.Close()
	slog.Info("webhook event posted", "message_id", msgID, "event", s.cfg.Outcome, "status", resp.StatusCode)
}
