package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"zk_chat/internal/chat"
	"zk_chat/internal/config"
	"zk_chat/internal/ledger"
	"zk_chat/internal/model"
	chatRepo "zk_chat/internal/repository/chat"
	"zk_chat/internal/settlement"
	"zk_chat/internal/utils/log"
	"zk_chat/internal/worker"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		pages   *tview.Pages
		chatbox *tview.TextView
		input   *tview.InputField

		cfg      *config.Config
		api      *APIClient
		chatRepo *chatRepo.ChatRepo
		settler  *settlement.Orchestrator

		boundary *worker.Boundary
		session  *chat.Session
		// set while a settlement attempt owns the confirm modal
		settling atomic.Bool

		ctx     context.Context
		conn    *websocket.Conn
		writeMu sync.Mutex
	}
)

func NewApp(cfg *config.Config, repo *chatRepo.ChatRepo, api *APIClient, wallet ledger.Wallet, activation settlement.Activation) *App {
	c := &App{
		app:      tview.NewApplication(),
		cfg:      cfg,
		api:      api,
		chatRepo: repo,
	}
	c.settler = settlement.New(settlement.Config{
		Network:  worker.Network{Name: cfg.Ledger.Network, AccountURL: cfg.Ledger.AccountURL},
		FeePayer: cfg.Ledger.FeePayer,
		Fee:      cfg.Ledger.Fee,
		Memo:     cfg.Ledger.Memo,
	}, wallet, activation, c, nil)
	return c
}

// Run opens the chat and blocks until the UI exits.
func (c *App) Run(ctx context.Context, mode, chatID string) error {
	c.ctx = ctx

	data, err := c.openChat(ctx, mode, chatID)
	if err != nil {
		return err
	}

	fmt.Println("Compiling message circuit, this takes a moment...")
	c.boundary = worker.Open(worker.NewState(nil))
	if err := c.boundary.LoadProgram(ctx); err != nil {
		return err
	}
	if err := c.boundary.CompileProgram(ctx); err != nil {
		return err
	}

	c.session = chat.NewSession(data, c.chatRepo, c.boundary)
	if err := c.refreshPeer(ctx); err != nil {
		log.Warn("peer lookup failed", zap.Error(err))
	}

	c.conn, err = c.api.initWebhook(data.Participants.Mine.PublicKey)
	if err != nil {
		return fmt.Errorf("init webhook to server failed: %w", err)
	}

	go c.listenOnWebhook()
	return c.renderUI()
}

func (c *App) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.boundary != nil {
		c.boundary.Close()
	}
	c.app.Stop()
}

// blocking function
func (c *App) renderUI() error {
	snap := c.session.Snapshot()

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat %s ", snap.ChatID))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /settle /share /leave /delete /verify ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.handleInput(text)
	})

	// the application loop is not running yet, so write directly
	for _, m := range snap.Messages {
		fmt.Fprint(c.chatbox, formatMessage(&m))
	}
	if line := stateLine(snap); line != "" {
		fmt.Fprint(c.chatbox, formatNotice(line))
	}

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.pages = tview.NewPages().AddPage("chat", layout, true, true)

	return c.app.SetRoot(c.pages, true).SetFocus(c.input).Run()
}

func (c *App) handleInput(text string) {
	var err error
	switch text {
	case "/settle":
		err = c.settle()
	case "/share":
		var link string
		if link, err = c.session.ShareLink(c.cfg.AppURL); err == nil {
			c.notice("Share this link: " + link)
		}
	case "/leave":
		err = c.leave()
	case "/delete":
		if err = c.session.Delete(c.ctx); err == nil {
			c.Stop()
			return
		}
	case "/verify":
		if err = c.session.VerifyHistory(); err == nil {
			c.notice("History verified against the latest proof")
		}
	default:
		err = c.SendMessage(text)
	}

	if err != nil {
		log.Error("command failed", zap.String("input", text), zap.Error(err))
		c.notice("[red]" + err.Error())
	}
}

func (c *App) listenOnWebhook() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.Error(err))
			c.conn.Close()
			break
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error("unmarshal envelope failed", zap.Error(err))
			continue
		}

		if err := c.ReceiveEnvelope(&env); err != nil {
			log.Error("receive message failed", zap.Error(err))
			c.notice("[red]" + err.Error())
		}
	}
}

func (c *App) SendMessage(msg string) error {
	if err := c.refreshPeer(c.ctx); err != nil {
		return err
	}

	m, err := c.session.Send(c.ctx, msg)
	if err != nil {
		return err
	}

	rec := m.Record().ForWire()
	if err := c.write(model.EnvelopeMessage, &rec); err != nil {
		return err
	}

	c.printMessage(m)
	return nil
}

func (c *App) ReceiveEnvelope(env *model.Envelope) error {
	snap := c.session.Snapshot()
	if env.ChatID != snap.ChatID {
		log.Warn("envelope for another chat", zap.String("chat_id", env.ChatID))
		return nil
	}
	if err := c.refreshPeer(c.ctx); err != nil {
		return err
	}
	if env.From != c.session.Snapshot().Participants.Theirs {
		return errors.New("envelope from a key that is not part of this chat")
	}

	switch env.Type {
	case model.EnvelopeDeparted:
		if err := c.session.Depart(c.ctx); err != nil {
			return err
		}
		c.printState(c.session.Snapshot())
		return nil
	case model.EnvelopeMessage:
		if env.Record == nil {
			return errors.New("message envelope without record")
		}
		m, err := c.session.Receive(c.ctx, *env.Record)
		if err != nil {
			return err
		}
		c.printMessage(m)
		return nil
	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

func (c *App) leave() error {
	if err := c.write(model.EnvelopeDeparted, nil); err != nil {
		return err
	}
	if err := c.session.Depart(c.ctx); err != nil {
		return err
	}
	c.printState(c.session.Snapshot())
	return nil
}

func (c *App) settle() error {
	done, ok := c.beginSettle()
	if !ok {
		c.notice("Settlement already in progress")
		return nil
	}
	defer done()

	c.notice("Preparing settlement...")
	st, err := c.settler.Settle(c.ctx, c.session)
	if errors.Is(err, model.ErrCancelled) {
		c.notice("Settlement cancelled")
		return nil
	}
	if err != nil {
		return err
	}
	c.notice(fmt.Sprintf("Chat settled. contract %s, tx %s", st.ContractPublicKey, st.SettleTxHash))
	return nil
}

// beginSettle claims the single settlement slot of this client. The returned
// func releases it.
func (c *App) beginSettle() (func(), bool) {
	if !c.settling.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { c.settling.Store(false) }, true
}

// Confirm shows a modal and waits for the user's answer.
func (c *App) Confirm(ctx context.Context, prompt string) (bool, error) {
	answer := make(chan bool, 1)
	c.app.QueueUpdateDraw(func() {
		modal := tview.NewModal().
			SetText(prompt).
			AddButtons([]string{"Settle", "Cancel"}).
			SetDoneFunc(func(_ int, label string) {
				c.pages.RemovePage("confirm")
				c.app.SetFocus(c.input)
				answer <- label == "Settle"
			})
		c.pages.AddPage("confirm", modal, true, true)
	})

	select {
	case ok := <-answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *App) write(kind model.EnvelopeType, rec *model.MessageRecord) error {
	snap := c.session.Snapshot()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(&model.Envelope{
		Type:   kind,
		ChatID: snap.ChatID,
		From:   snap.Participants.Mine.PublicKey,
		To:     snap.Participants.Theirs,
		Record: rec,
	})
}

func (c *App) printMessage(m *model.Message) {
	line := formatMessage(m)
	c.app.QueueUpdateDraw(func() {
		fmt.Fprint(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) printState(snap model.ChatSession) {
	if line := stateLine(snap); line != "" {
		c.notice(line)
	}
}

func (c *App) notice(text string) {
	line := formatNotice(text)
	c.app.QueueUpdateDraw(func() {
		fmt.Fprint(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func formatMessage(m *model.Message) string {
	who := "[green]Peer:[-]"
	if m.SenderIsMe {
		who = "[yellow]You:[-]"
	}
	return fmt.Sprintf("%s %s %s [gray](#%d)[-]\n", m.Timestamp.Format("15:04"), who, tview.Escape(m.Plaintext), m.Index)
}

func formatNotice(text string) string {
	return fmt.Sprintf("[blue]*[-] %s\n", text)
}

func stateLine(snap model.ChatSession) string {
	if snap.State == model.LifecycleActive && snap.Settlement.Status == model.SettlementNone {
		if snap.Participants.Theirs == "" {
			return "Waiting for your peer to join. Use /share to get the link."
		}
		return ""
	}
	return fmt.Sprintf("Chat is %s, settlement %s", snap.State, snap.Settlement.Status)
}
