package util

import "time"

// Now devolve o instante atual em UTC. Componentes recebem o relógio por
// configuração; esta é apenas a implementação padrão.
func Now() time.Time {
	return time.Now().UTC()
}
