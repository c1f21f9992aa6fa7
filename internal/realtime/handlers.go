package realtime

// Handlers é o conjunto de callbacks consultado a cada evento.
// O cliente guarda um ponteiro para o conjunto atual; registrar de novo
// substitui o callback, nunca acumula.
type Handlers struct {
	Location          func(LocationBroadcast)
	Message           func(MessageBroadcast)
	Status            func(StatusBroadcast)
	TypingStart       func(TypingEvent)
	TypingStop        func(TypingEvent)
	ParticipantJoined func(ParticipantEvent)
	ParticipantLeft   func(ParticipantEvent)
	ServerError       func(ServerError)
	TransportError    func(error)
	StateChange       func(State)
}

// SetHandlers troca o conjunto inteiro de uma vez.
func (c *Client) SetHandlers(h Handlers) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	next := h
	c.handlers.Store(&next)
}

func (c *Client) updateHandlers(fn func(*Handlers)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	next := *c.handlers.Load()
	fn(&next)
	c.handlers.Store(&next)
}

func (c *Client) OnLocation(fn func(LocationBroadcast)) {
	c.updateHandlers(func(h *Handlers) { h.Location = fn })
}

func (c *Client) OnMessage(fn func(MessageBroadcast)) {
	c.updateHandlers(func(h *Handlers) { h.Message = fn })
}

func (c *Client) OnStatus(fn func(StatusBroadcast)) {
	c.updateHandlers(func(h *Handlers) { h.Status = fn })
}

func (c *Client) OnTypingStart(fn func(TypingEvent)) {
	c.updateHandlers(func(h *Handlers) { h.TypingStart = fn })
}

func (c *Client) OnTypingStop(fn func(TypingEvent)) {
	c.updateHandlers(func(h *Handlers) { h.TypingStop = fn })
}

func (c *Client) OnParticipantJoined(fn func(ParticipantEvent)) {
	c.updateHandlers(func(h *Handlers) { h.ParticipantJoined = fn })
}

func (c *Client) OnParticipantLeft(fn func(ParticipantEvent)) {
	c.updateHandlers(func(h *Handlers) { h.ParticipantLeft = fn })
}

// OnServerError recebe eventos "error" de negócio enviados pelo gateway.
func (c *Client) OnServerError(fn func(ServerError)) {
	c.updateHandlers(func(h *Handlers) { h.ServerError = fn })
}

// OnTransportError recebe falhas de conexão, separadas dos erros de negócio.
func (c *Client) OnTransportError(fn func(error)) {
	c.updateHandlers(func(h *Handlers) { h.TransportError = fn })
}

func (c *Client) OnStateChange(fn func(State)) {
	c.updateHandlers(func(h *Handlers) { h.StateChange = fn })
}

func (c *Client) emitState(s State) {
	if fn := c.handlers.Load().StateChange; fn != nil {
		fn(s)
	}
}

func (c *Client) reportTransport(err error) {
	if fn := c.handlers.Load().TransportError; fn != nil {
		fn(err)
	}
}
