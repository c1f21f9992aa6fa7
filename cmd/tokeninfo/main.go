package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gestaozabele/sos/internal/auth"
	"github.com/gestaozabele/sos/internal/util"
)

type output struct {
	SubjectID string          `json:"subjectId"`
	Role      string          `json:"role"`
	CityCode  string          `json:"cityCode,omitempty"`
	Scopes    []string        `json:"scopes,omitempty"`
	IssuedAt  *time.Time      `json:"issuedAt,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt"`
	ExpiresIn string          `json:"expiresIn"`
	State     auth.TokenState `json:"state"`
}

func main() {
	threshold := flag.Duration("threshold", 60*time.Second, "janela de EXPIRING_SOON")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: tokeninfo [-threshold 60s] [token]")
		fmt.Fprintln(os.Stderr, "sem argumento, o token é lido da entrada padrão")
	}
	flag.Parse()

	token := strings.TrimSpace(flag.Arg(0))
	if token == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			flag.Usage()
			os.Exit(1)
		}
		token = strings.TrimSpace(line)
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	claims, err := auth.Decode(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode error: %v\n", err)
		os.Exit(1)
	}

	now := util.Now()
	out := output{
		SubjectID: claims.SubjectID,
		Role:      claims.Role,
		CityCode:  claims.CityCode,
		ExpiresAt: claims.ExpiresAt,
		ExpiresIn: claims.ExpiresAt.Sub(now).Round(time.Second).String(),
		State:     auth.StateOf(token, *threshold, now),
	}
	if !claims.IssuedAt.IsZero() {
		iat := claims.IssuedAt
		out.IssuedAt = &iat
	}
	for scope := range claims.Scopes {
		out.Scopes = append(out.Scopes, scope)
	}
	slices.Sort(out.Scopes)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode error: %v\n", err)
		os.Exit(1)
	}
}
