package realtime

import "errors"

var (
	// ErrTransport classifica falhas da conexão (handshake, leitura, escrita, ping).
	ErrTransport = errors.New("realtime: falha de transporte")
	// ErrReconnectExhausted indica que todas as tentativas de reconexão falharam.
	ErrReconnectExhausted = errors.New("realtime: tentativas de reconexão esgotadas")
	// ErrClosed indica Disconnect durante uma tentativa de conexão.
	ErrClosed = errors.New("realtime: cliente desconectado")
	// ErrEmptyRoom indica sala sem identificador.
	ErrEmptyRoom = errors.New("realtime: sosId obrigatório")
	// ErrMalformedFrame indica frame recebido fora do envelope.
	ErrMalformedFrame = errors.New("realtime: frame malformado")
)

// TransportError descreve a operação de transporte que falhou.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return ErrTransport.Error() + " (" + e.Op + ")"
	}
	return ErrTransport.Error() + " (" + e.Op + "): " + e.Err.Error()
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

func isTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrReconnectExhausted)
}
