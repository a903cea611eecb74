// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package couch implementa a capability HTTP contra CouchDB/Cloudant.
//
// O client é o único dono de retry: falhas transientes (408/429/5xx/erros de
// rede) são retried com exponential backoff + jitter até um limite fixo de
// tentativas. Qualquer erro retornado por este package é terminal para as
// camadas superiores. Credenciais nunca aparecem em mensagens de erro.
package couch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
)

// maxAttempts é o número de tentativas por request (1 inicial + 2 retries).
const maxAttempts = 3

// initialBackoff é o delay inicial entre retries.
const initialBackoff = 500 * time.Millisecond

// maxBackoff limita o delay entre retries.
const maxBackoff = 30 * time.Second

// DefaultTimeout é o timeout por request.
const DefaultTimeout = 120 * time.Second

// Options configura o client.
type Options struct {
	// Timeout por tentativa de request. Zero usa DefaultTimeout.
	Timeout time.Duration
	// Parallelism limita requests concorrentes ao servidor. Zero = 1.
	Parallelism int
	// IAMAPIKey habilita autenticação IAM bearer token em vez de basic auth.
	IAMAPIKey string
	// IAMTokenURL sobrepõe o endpoint de token IAM (default produção IBM Cloud).
	IAMTokenURL string
	// CACert é um CA adicional em PEM para servidores com certificado próprio.
	CACert string
	// ClientCert e ClientKey habilitam mTLS contra o servidor.
	ClientCert string
	ClientKey  string
	Logger     *slog.Logger
}

// Client fala com um único database CouchDB/Cloudant.
type Client struct {
	dbURL  *url.URL // URL completa do database, userinfo incluído
	dbName string
	http   *http.Client
	iam    *iamTokenSource
	logger *slog.Logger
	sem    chan struct{} // limita requests em voo a Parallelism
}

// NewClient cria um client para a URL do database (http[s]://host[:port]/db).
func NewClient(rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, cerrors.InvalidOption("invalid database URL %s: %v", cerrors.StripCredentials(rawURL), err)
	}
	dbName := strings.Trim(u.Path, "/")
	if dbName == "" {
		return nil, cerrors.InvalidOption("database URL %s must include a database name", cerrors.StripCredentials(rawURL))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	transport, err := newTransport(opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		dbURL:  u,
		dbName: dbName,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With("db", dbName),
		sem:    make(chan struct{}, parallelism),
	}

	if opts.IAMAPIKey != "" {
		if u.User != nil {
			return nil, cerrors.InvalidOption("iam api key is incompatible with credentials in the URL")
		}
		c.iam = newIAMTokenSource(opts.IAMAPIKey, opts.IAMTokenURL, c.http)
	}

	return c, nil
}

// newTransport monta o http.Transport, com CA extra e client cert opcionais.
func newTransport(opts Options) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if opts.CACert == "" && opts.ClientCert == "" {
		return transport, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CACert != "" {
		pem, err := os.ReadFile(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certificates in %s", opts.CACert)
		}
		tlsCfg.RootCAs = pool
	}

	if opts.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	transport.TLSClientConfig = tlsCfg
	return transport, nil
}

// DBName retorna o nome do database.
func (c *Client) DBName() string { return c.dbName }

// URL retorna a URL do database sem credenciais, para mensagens.
func (c *Client) URL() string { return cerrors.StripCredentials(c.dbURL.String()) }

// endpoint monta a URL de um sub-recurso do database ("" = o próprio db).
func (c *Client) endpoint(subPath string, query url.Values) *url.URL {
	u := *c.dbURL
	if subPath != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + subPath
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return &u
}

// errorBody é o corpo de erro padrão do CouchDB.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// do executa um request com retry de transientes e devolve a resposta com
// status 2xx. O caller é dono do Body. Para requests com body, payload é
// re-enviável (bytes), nunca um stream.
func (c *Client) do(ctx context.Context, method, subPath string, query url.Values, payload []byte) (*http.Response, error) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	u := c.endpoint(subPath, query)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffWithJitter(attempt)
			c.logger.Debug("retrying request",
				"method", method,
				"path", subPath,
				"attempt", attempt+1,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.iam != nil {
			token, err := c.iam.Token(ctx)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Erro de rede/timeout: transiente
			lastErr = fmt.Errorf("%s %s: %w", method, cerrors.StripCredentials(u.String()), err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if transientStatus(resp.StatusCode) {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s %s: transient status %d", method, cerrors.StripCredentials(u.String()), resp.StatusCode)
			continue
		}

		// Terminal: mapeia e retorna imediatamente
		defer resp.Body.Close()
		return nil, c.terminalError(method, u, resp)
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// transientStatus classifica status retriáveis: 408, 429 e 5xx.
func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// terminalError converte um status 4xx terminal no erro tipado correspondente.
func (c *Client) terminalError(method string, u *url.URL, resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &eb)
	reason := eb.Reason
	if reason == "" {
		reason = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return cerrors.Unauthorized(reason)
	case http.StatusForbidden:
		return cerrors.Forbidden(reason)
	case http.StatusNotFound:
		// O probe de _bulk_get recebe tratamento próprio no call site
		if strings.HasSuffix(u.Path, "/_bulk_get") {
			return cerrors.BulkGetError(c.dbName)
		}
		return cerrors.DatabaseNotFound(c.dbName)
	default:
		return cerrors.HTTPFatalError(method, u.String(), resp.StatusCode, reason)
	}
}

// backoffWithJitter calcula o delay do retry: exponential backoff capped com
// até 25% de jitter, no idioma do retry de sessões do agent.
func backoffWithJitter(attempt int) time.Duration {
	delay := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// drainAndClose consome e fecha um body para reuso da conexão.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
