package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-sync/internal/attachment"
	"chat-sync/internal/domain"
	"chat-sync/internal/llm"
	"chat-sync/internal/repository"
)

var (
	ErrControllerNotConfigured = errors.New("conversation controller not configured")
	ErrControllerClosed        = errors.New("conversation controller closed")
	ErrEmptyMessage            = errors.New("message has no content and no valid attachments")
	ErrIdentityTransition      = errors.New("identity transition in progress")
	ErrPersistFailed           = errors.New("message not persisted")
	ErrConversationNotFound    = repository.ErrConversationNotFound
)

// GenerationParams son los parámetros enviados al modelo en cada request.
type GenerationParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ControllerDeps agrupa los colaboradores del controlador.
type ControllerDeps struct {
	Local      repository.LocalStore
	Remote     repository.RemoteStore
	Migration  *MigrationService
	Assembler  *StreamAssembler
	Codec      *attachment.Codec
	Generation GenerationParams
	Logger     *zap.Logger
	// OnChange recibe una copia de la vista después de cada cambio de estado.
	OnChange func(View)
	Now      func() time.Time
}

// DisplayMessage es un mensaje tal como lo muestra la vista.
type DisplayMessage struct {
	domain.Message
	Streaming bool `json:"streaming,omitempty"`
	Unsaved   bool `json:"unsaved,omitempty"`
}

// View es la foto del estado que consume la capa de presentación.
type View struct {
	Identity       domain.Identity       `json:"identity"`
	Conversations  []domain.Conversation `json:"conversations"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Messages       []DisplayMessage      `json:"messages"`
	Streaming      bool                  `json:"streaming"`
}

// SendInput es el intent de envío: texto, adjuntos binarios y un observador opcional de deltas.
type SendInput struct {
	Content string
	Files   []attachment.File
	OnDelta func(delta string)
}

// RejectedAttachment describe un adjunto descartado por la política del codec.
type RejectedAttachment struct {
	Name string
	Err  error
}

type SendResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Text               string
	State              StreamState
	Persisted          bool
	Rejected           []RejectedAttachment
}

// pendingMessage es un mensaje optimista que todavía no aparece en el store autoritativo.
type pendingMessage struct {
	convID    string
	msg       domain.Message
	remoteID  string
	streaming bool
	unsaved   bool
}

type activeStream struct {
	convID      string
	assistantID string
	cancel      context.CancelFunc
}

// ConversationController orquesta stores, streaming y migración para una sesión.
// Las mutaciones de estado se serializan con mu; la E/S de red ocurre fuera del lock.
type ConversationController struct {
	local      repository.LocalStore
	remote     repository.RemoteStore
	migration  *MigrationService
	assembler  *StreamAssembler
	codec      *attachment.Codec
	generation GenerationParams
	logger     *zap.Logger
	onChange   func(View)
	now        func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.Mutex
	identity       domain.Identity
	epoch          uint64
	transitioning  bool
	closed         bool
	conversations  []domain.Conversation
	currentID      string
	remoteMessages []domain.Message
	pending        []*pendingMessage
	stream         *activeStream
	convSub        *repository.Subscription[[]domain.Conversation]
	msgSub         *repository.Subscription[[]domain.Message]
}

// NewConversationController arranca en modo anónimo con el store local y, si identity está
// autenticada, aplica la transición de inicio de sesión (incluida la migración).
func NewConversationController(ctx context.Context, deps ControllerDeps, identity domain.Identity) (*ConversationController, error) {
	if deps.Local == nil || deps.Assembler == nil {
		return nil, ErrControllerNotConfigured
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Codec == nil {
		deps.Codec = attachment.NewCodec(0, nil)
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &ConversationController{
		local:         deps.Local,
		remote:        deps.Remote,
		migration:     deps.Migration,
		assembler:     deps.Assembler,
		codec:         deps.Codec,
		generation:    deps.Generation,
		logger:        deps.Logger,
		onChange:      deps.OnChange,
		now:           deps.Now,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		identity:      domain.Anonymous,
		conversations: deps.Local.LoadAll(),
	}
	if identity.IsAuthenticated() {
		if err := c.SetIdentity(ctx, identity); err != nil {
			if c.Identity() != identity {
				c.Close()
				return nil, err
			}
			// la sesión quedó autenticada; el error es de migración y se reporta al llamador
			return c, err
		}
	}
	return c, nil
}

// Identity devuelve la identidad vigente.
func (c *ConversationController) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// View devuelve una copia del estado actual.
func (c *ConversationController) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// SetIdentity aplica un cambio de sesión. Anónimo → autenticado migra el store local antes de
// aceptar envíos; autenticado → anónimo limpia el store local y la vista sin tocar datos remotos.
func (c *ConversationController) SetIdentity(ctx context.Context, identity domain.Identity) error {
	identity = domain.Authenticated(identity.UserID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.transitioning {
		c.mu.Unlock()
		return ErrIdentityTransition
	}
	if identity == c.identity {
		c.mu.Unlock()
		return nil
	}
	if identity.IsAuthenticated() && c.remote == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: remote store missing", ErrControllerNotConfigured)
	}
	prev := c.identity
	c.transitioning = true
	c.epoch++
	if c.stream != nil {
		c.stream.cancel()
	}
	if !prev.IsAuthenticated() {
		c.saveLocalLocked()
	}
	convSub, msgSub := c.convSub, c.msgSub
	c.convSub, c.msgSub = nil, nil
	c.conversations = nil
	c.currentID = ""
	c.remoteMessages = nil
	c.pending = nil
	epoch := c.epoch
	c.mu.Unlock()

	convSub.Close()
	msgSub.Close()

	finish := func(convs []domain.Conversation, sub *repository.Subscription[[]domain.Conversation]) {
		c.mu.Lock()
		c.identity = identity
		c.transitioning = false
		if convs != nil {
			c.conversations = convs
		}
		c.convSub = sub
		v := c.viewLocked()
		c.mu.Unlock()
		if sub != nil {
			go c.consumeConversations(epoch, sub)
		}
		c.emit(v)
	}

	if prev.IsAuthenticated() {
		if err := c.local.Clear(); err != nil {
			c.logger.Warn("clear local store on sign-out failed", zap.Error(err))
		}
	}

	if !identity.IsAuthenticated() {
		c.logger.Info("signed out", zap.String("previous", prev.String()))
		finish(c.local.LoadAll(), nil)
		return nil
	}

	var migrateErr error
	if !prev.IsAuthenticated() && c.migration != nil {
		report, err := c.migration.MigrateLocal(ctx, identity.UserID)
		if err != nil {
			migrateErr = fmt.Errorf("migrate local conversations: %w", err)
			c.logger.Warn("local migration failed; will retry on next sign-in", zap.String("user_id", identity.UserID), zap.Error(err))
		} else if !report.Skipped {
			c.logger.Info("local conversations migrated",
				zap.String("user_id", identity.UserID),
				zap.Int("conversations", report.Conversations),
				zap.Int("messages", report.Messages),
			)
		}
	}

	sub, err := c.remote.SubscribeConversations(c.baseCtx, identity.UserID)
	if err != nil {
		c.mu.Lock()
		c.transitioning = false
		c.identity = prev
		if !prev.IsAuthenticated() {
			c.conversations = c.local.LoadAll()
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	c.logger.Info("signed in", zap.String("user_id", identity.UserID))
	finish([]domain.Conversation{}, sub)
	return migrateErr
}

// NewConversation crea una conversación vacía en el store autoritativo y la selecciona.
func (c *ConversationController) NewConversation(ctx context.Context) (string, error) {
	return c.createConversation(ctx, domain.DefaultConversationTitle)
}

// SelectConversation cambia la conversación actual. En modo remoto reemplaza la suscripción de mensajes.
func (c *ConversationController) SelectConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.identity.IsAuthenticated() {
		if c.findConversationLocked(id) < 0 {
			c.mu.Unlock()
			return ErrConversationNotFound
		}
		c.currentID = id
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
		return nil
	}
	epoch, userID := c.epoch, c.identity.UserID
	c.mu.Unlock()

	return c.selectRemote(ctx, epoch, userID, id)
}

// RenameConversation cambia el título en el store autoritativo.
func (c *ConversationController) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.identity.IsAuthenticated() {
		i := c.findConversationLocked(id)
		if i < 0 {
			c.mu.Unlock()
			return ErrConversationNotFound
		}
		c.conversations[i].Title = title
		c.conversations[i].Touch(c.now())
		c.saveLocalLocked()
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
		return nil
	}
	userID := c.identity.UserID
	c.mu.Unlock()

	if err := c.remote.RenameConversation(ctx, userID, id, title); err != nil {
		return err
	}
	c.mu.Lock()
	if i := c.findConversationLocked(id); i >= 0 {
		c.conversations[i].Title = title
	}
	v := c.viewLocked()
	c.mu.Unlock()
	c.emit(v)
	return nil
}

// DeleteConversation borra la conversación y sus mensajes; si estaba seleccionada limpia la selección.
func (c *ConversationController) DeleteConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.stream != nil && c.stream.convID == id {
		c.stream.cancel()
	}
	authenticated, userID := c.identity.IsAuthenticated(), c.identity.UserID
	if !authenticated {
		if i := c.findConversationLocked(id); i < 0 {
			c.mu.Unlock()
			return ErrConversationNotFound
		}
		c.removeConversationLocked(id)
		c.saveLocalLocked()
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
		return nil
	}
	c.mu.Unlock()

	if err := c.remote.DeleteConversation(ctx, userID, id); err != nil {
		return err
	}
	c.mu.Lock()
	var msgSub *repository.Subscription[[]domain.Message]
	if c.currentID == id {
		msgSub = c.msgSub
		c.msgSub = nil
		c.remoteMessages = nil
	}
	c.removeConversationLocked(id)
	v := c.viewLocked()
	c.mu.Unlock()
	msgSub.Close()
	c.emit(v)
	return nil
}

// Abort cancela el stream activo. Devuelve false si no había ninguno.
func (c *ConversationController) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false
	}
	c.stream.cancel()
	return true
}

// Send agrega el mensaje del usuario y un placeholder del asistente de forma optimista,
// hace streaming de la respuesta y al terminar persiste ambos en el store autoritativo.
func (c *ConversationController) Send(ctx context.Context, in SendInput) (SendResult, error) {
	var result SendResult
	content := strings.TrimSpace(in.Content)

	var attachments []domain.Attachment
	for _, f := range in.Files {
		att, err := c.codec.EncodeFile(f)
		if err != nil {
			c.logger.Info("attachment dropped", zap.String("name", f.Name), zap.Error(err))
			result.Rejected = append(result.Rejected, RejectedAttachment{Name: f.Name, Err: err})
			continue
		}
		attachments = append(attachments, att)
	}
	if content == "" && len(attachments) == 0 {
		return result, ErrEmptyMessage
	}

	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return result, err
	}
	if c.stream != nil {
		c.mu.Unlock()
		return result, ErrConcurrentStream
	}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.stream = &activeStream{cancel: cancel}
	epoch := c.epoch
	identity := c.identity
	convID := c.currentID
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		c.stream = nil
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
	}

	title := DeriveTitle(content, len(attachments) > 0)
	if convID == "" {
		id, err := c.createConversation(ctx, title)
		if err != nil {
			release()
			return result, err
		}
		convID = id
	} else {
		c.retitleIfUntitled(ctx, identity, convID, title)
	}
	result.ConversationID = convID

	now := c.now()
	userMsg := domain.Message{
		ID:          uuid.NewString(),
		Role:        domain.RoleUser,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   now,
	}
	assistantMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		CreatedAt: now,
	}
	result.UserMessageID = userMsg.ID
	result.AssistantMessageID = assistantMsg.ID

	c.mu.Lock()
	if c.epoch != epoch {
		c.stream = nil
		c.mu.Unlock()
		return result, ErrIdentityTransition
	}
	history := c.historyLocked(convID)
	userEntry := &pendingMessage{convID: convID, msg: userMsg}
	assistantEntry := &pendingMessage{convID: convID, msg: assistantMsg, streaming: true}
	c.pending = append(c.pending, userEntry, assistantEntry)
	c.stream.convID = convID
	c.stream.assistantID = assistantMsg.ID
	v := c.viewLocked()
	c.mu.Unlock()
	c.emit(v)

	req := llm.ChatRequest{
		Messages:    append(history, llm.ChatMessage{Role: userMsg.Role, Content: userMsg.Content, Images: userMsg.Attachments}),
		Model:       c.generation.Model,
		Temperature: c.generation.Temperature,
		MaxTokens:   c.generation.MaxTokens,
	}

	streamRes, streamErr := c.assembler.Start(streamCtx, assistantMsg.ID, req, func(delta string) {
		c.mu.Lock()
		assistantEntry.msg.Content += delta
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
		if in.OnDelta != nil {
			in.OnDelta(delta)
		}
	})
	result.State = streamRes.State
	result.Text = streamRes.Text

	c.mu.Lock()
	c.stream = nil
	assistantEntry.streaming = false
	assistantEntry.msg.Content = streamRes.Text
	if streamErr != nil || c.epoch != epoch {
		userEntry.unsaved = true
		assistantEntry.unsaved = true
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
		if streamErr != nil {
			return result, streamErr
		}
		return result, ErrIdentityTransition
	}
	finalAssistant := assistantEntry.msg
	c.mu.Unlock()

	if err := c.persist(ctx, epoch, identity, convID, userEntry, assistantEntry, userMsg, finalAssistant); err != nil {
		c.logger.Warn("persist messages failed", zap.String("conversation_id", convID), zap.Error(err))
		return result, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	result.Persisted = true
	return result, nil
}

// Close cancela el stream activo, guarda el snapshot local y cierra las suscripciones.
func (c *ConversationController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stream != nil {
		c.stream.cancel()
	}
	var err error
	// durante una transición la lista en memoria está vacía y el snapshot local es la fuente
	if !c.identity.IsAuthenticated() && !c.transitioning {
		err = c.local.SaveAll(c.conversations)
	}
	convSub, msgSub := c.convSub, c.msgSub
	c.convSub, c.msgSub = nil, nil
	c.mu.Unlock()

	convSub.Close()
	msgSub.Close()
	c.baseCancel()
	return err
}

func (c *ConversationController) createConversation(ctx context.Context, title string) (string, error) {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	now := c.now()
	if !c.identity.IsAuthenticated() {
		conv := domain.Conversation{
			ID:        uuid.NewString(),
			Origin:    domain.OriginLocal,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
			Messages:  []domain.Message{},
		}
		c.conversations = append([]domain.Conversation{conv}, c.conversations...)
		c.currentID = conv.ID
		c.saveLocalLocked()
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
		return conv.ID, nil
	}
	epoch, userID := c.epoch, c.identity.UserID
	c.mu.Unlock()

	id, err := c.remote.CreateConversation(ctx, userID, title)
	if err != nil {
		return "", fmt.Errorf("create remote conversation: %w", err)
	}

	// visible de inmediato, antes de que llegue el snapshot de la suscripción
	c.mu.Lock()
	if c.epoch == epoch && c.findConversationLocked(id) < 0 {
		c.conversations = append([]domain.Conversation{{
			ID:        id,
			Origin:    domain.OriginRemote,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}}, c.conversations...)
	}
	c.mu.Unlock()

	if err := c.selectRemote(ctx, epoch, userID, id); err != nil {
		return id, err
	}
	return id, nil
}

func (c *ConversationController) selectRemote(ctx context.Context, epoch uint64, userID, id string) error {
	sub, err := c.remote.SubscribeMessages(c.baseCtx, userID, id)
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		sub.Close()
		return ErrIdentityTransition
	}
	prev := c.msgSub
	c.msgSub = sub
	c.currentID = id
	c.remoteMessages = nil
	v := c.viewLocked()
	c.mu.Unlock()

	prev.Close()
	go c.consumeMessages(epoch, id, sub)
	c.emit(v)
	return nil
}

func (c *ConversationController) retitleIfUntitled(ctx context.Context, identity domain.Identity, convID, title string) {
	if title == domain.DefaultConversationTitle {
		return
	}
	c.mu.Lock()
	i := c.findConversationLocked(convID)
	if i < 0 || c.conversations[i].Title != domain.DefaultConversationTitle || len(c.baseMessagesLocked(convID)) > 0 {
		c.mu.Unlock()
		return
	}
	c.conversations[i].Title = title
	if !identity.IsAuthenticated() {
		c.conversations[i].Touch(c.now())
		c.saveLocalLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.remote.RenameConversation(ctx, identity.UserID, convID, title); err != nil {
		c.logger.Warn("retitle conversation failed", zap.String("conversation_id", convID), zap.Error(err))
	}
}

func (c *ConversationController) persist(
	ctx context.Context,
	epoch uint64,
	identity domain.Identity,
	convID string,
	userEntry, assistantEntry *pendingMessage,
	userMsg, assistantMsg domain.Message,
) error {
	if !identity.IsAuthenticated() {
		c.mu.Lock()
		defer func() {
			v := c.viewLocked()
			c.mu.Unlock()
			c.emit(v)
		}()
		if c.epoch != epoch {
			userEntry.unsaved, assistantEntry.unsaved = true, true
			return ErrIdentityTransition
		}
		i := c.findConversationLocked(convID)
		if i < 0 {
			userEntry.unsaved, assistantEntry.unsaved = true, true
			return ErrConversationNotFound
		}
		c.conversations[i].AppendMessage(userMsg)
		c.conversations[i].AppendMessage(assistantMsg)
		c.dropPendingLocked(userEntry, assistantEntry)
		c.saveLocalLocked()
		return nil
	}

	steps := []struct {
		entry *pendingMessage
		msg   domain.Message
	}{{userEntry, userMsg}, {assistantEntry, assistantMsg}}
	for _, step := range steps {
		entry, msg := step.entry, step.msg
		remoteID, err := c.remote.AppendMessage(ctx, identity.UserID, convID, msg.Role, msg.Content, msg.Attachments)
		if err != nil {
			c.mu.Lock()
			if entry == userEntry {
				userEntry.unsaved = true
			}
			assistantEntry.unsaved = true
			v := c.viewLocked()
			c.mu.Unlock()
			c.emit(v)
			return err
		}
		c.confirmPending(entry, remoteID)
	}
	return nil
}

// confirmPending registra el id remoto y descarta la copia optimista si el snapshot ya lo trae.
func (c *ConversationController) confirmPending(entry *pendingMessage, remoteID string) {
	c.mu.Lock()
	entry.remoteID = remoteID
	if entry.convID == c.currentID {
		for _, m := range c.remoteMessages {
			if m.ID == remoteID {
				c.dropPendingLocked(entry)
				break
			}
		}
	}
	v := c.viewLocked()
	c.mu.Unlock()
	c.emit(v)
}

func (c *ConversationController) consumeConversations(epoch uint64, sub *repository.Subscription[[]domain.Conversation]) {
	for convs := range sub.Updates() {
		c.mu.Lock()
		if c.epoch != epoch || c.convSub != sub {
			c.mu.Unlock()
			return
		}
		c.conversations = convs
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
	}
}

// consumeMessages aplica snapshots remotos. Los mensajes pendientes (incluido el que está
// en streaming) nunca se reemplazan por un snapshot: solo se descartan cuando el snapshot
// contiene su id remoto ya confirmado.
func (c *ConversationController) consumeMessages(epoch uint64, convID string, sub *repository.Subscription[[]domain.Message]) {
	for msgs := range sub.Updates() {
		c.mu.Lock()
		if c.epoch != epoch || c.msgSub != sub || c.currentID != convID {
			c.mu.Unlock()
			return
		}
		c.remoteMessages = msgs
		ids := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			ids[m.ID] = struct{}{}
		}
		kept := c.pending[:0]
		for _, p := range c.pending {
			if p.convID == convID && p.remoteID != "" && !p.streaming {
				if _, ok := ids[p.remoteID]; ok {
					continue
				}
			}
			kept = append(kept, p)
		}
		c.pending = kept
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)
	}
}

func (c *ConversationController) readyLocked() error {
	if c.closed {
		return ErrControllerClosed
	}
	if c.transitioning {
		return ErrIdentityTransition
	}
	return nil
}

func (c *ConversationController) findConversationLocked(id string) int {
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *ConversationController) removeConversationLocked(id string) {
	kept := c.conversations[:0]
	for _, conv := range c.conversations {
		if conv.ID != id {
			kept = append(kept, conv)
		}
	}
	c.conversations = kept
	pending := c.pending[:0]
	for _, p := range c.pending {
		if p.convID != id {
			pending = append(pending, p)
		}
	}
	c.pending = pending
	if c.currentID == id {
		c.currentID = ""
	}
}

func (c *ConversationController) dropPendingLocked(entries ...*pendingMessage) {
	kept := c.pending[:0]
	for _, p := range c.pending {
		drop := false
		for _, e := range entries {
			if p == e {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, p)
		}
	}
	c.pending = kept
}

// baseMessagesLocked devuelve los mensajes confirmados por el store autoritativo.
func (c *ConversationController) baseMessagesLocked(convID string) []domain.Message {
	if c.identity.IsAuthenticated() {
		if convID == c.currentID {
			return c.remoteMessages
		}
		return nil
	}
	if i := c.findConversationLocked(convID); i >= 0 {
		return c.conversations[i].Messages
	}
	return nil
}

func (c *ConversationController) historyLocked(convID string) []llm.ChatMessage {
	var history []llm.ChatMessage
	for _, m := range c.baseMessagesLocked(convID) {
		history = append(history, llm.ChatMessage{Role: m.Role, Content: m.Content, Images: m.Attachments})
	}
	for _, p := range c.pending {
		if p.convID == convID && !p.streaming {
			history = append(history, llm.ChatMessage{Role: p.msg.Role, Content: p.msg.Content, Images: p.msg.Attachments})
		}
	}
	return history
}

func (c *ConversationController) saveLocalLocked() {
	if c.identity.IsAuthenticated() {
		return
	}
	if err := c.local.SaveAll(c.conversations); err != nil {
		c.logger.Warn("save local snapshot failed", zap.Error(err))
	}
}

func (c *ConversationController) viewLocked() View {
	v := View{
		Identity:       c.identity,
		ConversationID: c.currentID,
		Conversations:  make([]domain.Conversation, 0, len(c.conversations)),
		Messages:       []DisplayMessage{},
		Streaming:      c.stream != nil,
	}
	for _, conv := range c.conversations {
		conv = conv.Clone()
		conv.Messages = nil
		v.Conversations = append(v.Conversations, conv)
	}
	if c.currentID == "" {
		return v
	}
	for _, m := range c.baseMessagesLocked(c.currentID) {
		v.Messages = append(v.Messages, DisplayMessage{Message: m.Clone()})
	}
	for _, p := range c.pending {
		if p.convID != c.currentID {
			continue
		}
		v.Messages = append(v.Messages, DisplayMessage{Message: p.msg.Clone(), Streaming: p.streaming, Unsaved: p.unsaved})
	}
	return v
}

func (c *ConversationController) emit(v View) {
	if c.onChange != nil {
		c.onChange(v)
	}
}
