package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"zk_chat/internal/model"
	"zk_chat/internal/repository/chatid"
	"zk_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	Queue interface {
		Enqueue(ctx context.Context, to string, values ...[]byte) error
		Drain(ctx context.Context, to string) ([][]byte, error)
	}

	ChatIDStore interface {
		Create(ctx context.Context, e *chatid.Entry) error
		GetByID(ctx context.Context, chatID string) (*chatid.Entry, error)
		ClaimReceiver(ctx context.Context, chatID, publicKey string) (*chatid.Entry, error)
	}

	// HttpServer relays envelopes between connected chat keys and hands out
	// chat ids.
	HttpServer struct {
		mu     sync.RWMutex
		mapper map[string]*peer

		chatIDs ChatIDStore
		queue   Queue
	}

	peer struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}
)

func NewHttpServer(chatIDs ChatIDStore, queue Queue) *HttpServer {
	return &HttpServer{
		mapper:  make(map[string]*peer),
		chatIDs: chatIDs,
		queue:   queue,
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/api/chat_id", s.CreateChatID()).Methods(http.MethodPost)
	r.HandleFunc("/api/chat_id/verify", s.VerifyChatID()).Methods(http.MethodPost)
	return r
}

func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("relay listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		publicKey := r.URL.Query().Get("publicKey")
		if _, err := model.ParsePublicKey(publicKey); err != nil {
			http.Error(w, "invalid publicKey", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, taken := s.mapper[publicKey]
		s.mu.RUnlock()
		if taken {
			http.Error(w, "duplicated publicKey", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		// live deliveries wait on p.mu until the backlog has been flushed
		p := &peer{conn: conn}
		p.mu.Lock()
		s.mu.Lock()
		if _, taken := s.mapper[publicKey]; taken {
			s.mu.Unlock()
			p.mu.Unlock()
			conn.Close()
			return
		}
		s.mapper[publicKey] = p
		s.mu.Unlock()

		err = s.ForwardUnsentMessages(context.Background(), publicKey, conn)
		p.mu.Unlock()
		if err != nil {
			log.Error("forward msg failed", zap.Error(err))
		}
		go s.processWSMessage(publicKey, p)
	}
}

func (s *HttpServer) Online(publicKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mapper[publicKey]
	return ok
}

func (s *HttpServer) processWSMessage(publicKey string, p *peer) {
	defer func() {
		s.mu.Lock()
		delete(s.mapper, publicKey)
		s.mu.Unlock()
		p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.String("public_key", publicKey), zap.Error(err))
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error("unmarshal envelope failed", zap.Error(err))
			continue
		}
		if env.From != publicKey {
			log.Warn("dropping envelope with spoofed sender", zap.String("conn", publicKey), zap.String("from", env.From))
			continue
		}

		s.deliver(context.Background(), env.To, data)
	}
}

func (s *HttpServer) deliver(ctx context.Context, to string, data []byte) {
	s.mu.RLock()
	target, online := s.mapper[to]
	s.mu.RUnlock()

	if online {
		if err := target.write(data); err == nil {
			return
		}
		log.Warn("live delivery failed, queueing", zap.String("to", to))
	}

	if err := s.queue.Enqueue(ctx, to, data); err != nil {
		log.Error("enqueue failed", zap.String("to", to), zap.Error(err))
	}
}

func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, publicKey string, conn *websocket.Conn) error {
	messages, err := s.queue.Drain(ctx, publicKey)
	if err != nil {
		return err
	}

	for i, m := range messages {
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			// put back what could not be delivered
			return errors.Join(err, s.queue.Enqueue(ctx, publicKey, messages[i:]...))
		}
	}
	return nil
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *HttpServer) CreateChatID() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.CreateChatIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if _, err := model.ParsePublicKey(req.SenderPublicKey); err != nil {
			http.Error(w, "invalid senderPublicKey", http.StatusBadRequest)
			return
		}

		e := &chatid.Entry{
			ChatID:          uuid.NewString(),
			SenderPublicKey: req.SenderPublicKey,
			CreatedAt:       time.Now(),
		}
		if err := s.chatIDs.Create(r.Context(), e); err != nil {
			log.Error("create chat id failed", zap.Error(err))
			http.Error(w, "create chat id failed", http.StatusInternalServerError)
			return
		}

		log.Info("chat id created", zap.String("chat_id", e.ChatID))
		writeJSON(w, model.CreateChatIDResponse{ChatID: e.ChatID})
	}
}

// VerifyChatID tells a participant whether they can join the chat. The first
// key other than the sender's claims the receiver slot.
func (s *HttpServer) VerifyChatID() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req model.VerifyChatIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if _, err := model.ParsePublicKey(req.MyPublicKey); err != nil {
			http.Error(w, "invalid myPublicKey", http.StatusBadRequest)
			return
		}

		e, err := s.chatIDs.GetByID(ctx, req.ChatID)
		if err == nil && e != nil && e.ReceiverPublicKey == "" && e.SenderPublicKey != req.MyPublicKey {
			e, err = s.chatIDs.ClaimReceiver(ctx, req.ChatID, req.MyPublicKey)
		}
		if err != nil {
			log.Error("verify chat id failed", zap.Error(err))
			http.Error(w, "verify chat id failed", http.StatusInternalServerError)
			return
		}
		if e == nil {
			http.Error(w, "chat id does not exist", http.StatusNotFound)
			return
		}

		writeJSON(w, model.VerifyChatIDResponse{
			IsJoinable:        req.MyPublicKey == e.SenderPublicKey || req.MyPublicKey == e.ReceiverPublicKey,
			SenderPublicKey:   e.SenderPublicKey,
			ReceiverPublicKey: e.ReceiverPublicKey,
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
