// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cerrors define os erros terminais do cdb-backup.
//
// Cada erro terminal carrega um nome estável e um exit code fixo para a CLI.
// Erros transientes (408/429/5xx/rede) nunca chegam aqui: são retried dentro
// do client HTTP e as camadas superiores tratam qualquer erro como terminal.
package cerrors

import (
	"errors"
	"fmt"
	"net/url"
)

// Exit codes estáveis da CLI. Nunca renumerar.
const (
	ExitGeneric                  = 1
	ExitInvalidOption            = 2
	ExitDatabaseNotFound         = 10
	ExitUnauthorized             = 11
	ExitForbidden                = 12
	ExitDatabaseNotEmpty         = 13
	ExitNoLogFileName            = 20
	ExitLogDoesNotExist          = 21
	ExitIncompleteChangesInLog   = 22
	ExitSpoolChangesError        = 30
	ExitHTTPFatalError           = 40
	ExitBulkGetError             = 50
)

// Nomes estáveis dos erros terminais.
const (
	NameInvalidOption              = "InvalidOption"
	NameDatabaseNotFound           = "DatabaseNotFound"
	NameUnauthorized               = "Unauthorized"
	NameForbidden                  = "Forbidden"
	NameDatabaseNotEmpty           = "DatabaseNotEmpty"
	NameNoLogFileName              = "NoLogFileName"
	NameLogDoesNotExist            = "LogDoesNotExist"
	NameLogFileExists              = "LogFileExists"
	NameIncompleteChangesInLogFile = "IncompleteChangesInLogFile"
	NameSpoolChangesError          = "SpoolChangesError"
	NameHTTPFatalError             = "HTTPFatalError"
	NameBulkGetError               = "BulkGetError"
	NameBackupFileJsonError        = "BackupFileJsonError"
)

// Error é um erro terminal com nome estável e exit code.
type Error struct {
	Name    string
	Code    int
	Message string
	Err     error // causa opcional, preservada para errors.Is/As
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Name
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode retorna o exit code associado a err.
// Erros não tipados (wrapping genérico, I/O, etc.) retornam ExitGeneric.
func ExitCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ExitGeneric
}

// Name retorna o nome estável do erro terminal, ou "Error" para genéricos.
func Name(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Name
	}
	return "Error"
}

// Is permite errors.Is comparar por nome.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Name == te.Name
	}
	return false
}

func newError(name string, code int, format string, args ...any) *Error {
	return &Error{Name: name, Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidOption sinaliza falha de validação de opções, antes de qualquer
// efeito colateral de rede ou disco.
func InvalidOption(format string, args ...any) *Error {
	return newError(NameInvalidOption, ExitInvalidOption, format, args...)
}

// DatabaseNotFound sinaliza 404 no database de origem ou destino.
func DatabaseNotFound(db string) *Error {
	return newError(NameDatabaseNotFound, ExitDatabaseNotFound, "database %s does not exist, check the URL and name", db)
}

// Unauthorized sinaliza 401 do servidor.
func Unauthorized(reason string) *Error {
	return newError(NameUnauthorized, ExitUnauthorized, "access is denied due to invalid credentials: %s", reason)
}

// Forbidden sinaliza 403 do servidor.
func Forbidden(reason string) *Error {
	return newError(NameForbidden, ExitForbidden, "access is denied: %s", reason)
}

// DatabaseNotEmpty sinaliza que o destino do restore já contém documentos.
func DatabaseNotEmpty(db string) *Error {
	return newError(NameDatabaseNotEmpty, ExitDatabaseNotEmpty, "target database %s must be empty before restore", db)
}

// NoLogFileName sinaliza resume=true sem caminho de log.
func NoLogFileName() *Error {
	return newError(NameNoLogFileName, ExitNoLogFileName, "a log file name is required to resume a backup")
}

// LogDoesNotExist sinaliza resume=true com log inexistente.
func LogDoesNotExist(path string) *Error {
	return newError(NameLogDoesNotExist, ExitLogDoesNotExist, "log file %s does not exist", path)
}

// LogFileExists sinaliza backup novo sobre log existente sem resume.
func LogFileExists(path string) *Error {
	return newError(NameLogFileExists, ExitInvalidOption, "log file %s exists, use resume to continue the backup", path)
}

// IncompleteChangesInLogFile sinaliza resume sobre um log sem o sentinel
// :changes_complete. O backup só pode ser retomado após o spooling terminar.
func IncompleteChangesInLogFile() *Error {
	return newError(NameIncompleteChangesInLogFile, ExitIncompleteChangesInLog,
		"changes did not finish spooling, a backup can only be resumed after changes are complete")
}

// SpoolChangesError sinaliza falha lendo o feed _changes.
func SpoolChangesError(format string, args ...any) *Error {
	return newError(NameSpoolChangesError, ExitSpoolChangesError, format, args...)
}

// HTTPFatalError sinaliza um status terminal não mapeado. A URL é gravada
// sem credenciais.
func HTTPFatalError(method, rawURL string, status int, reason string) *Error {
	return newError(NameHTTPFatalError, ExitHTTPFatalError, "%d %s: %s %s", status, reason, method, StripCredentials(rawURL))
}

// BulkGetError sinaliza que o endpoint _bulk_get não está disponível (404 no probe).
func BulkGetError(db string) *Error {
	return newError(NameBulkGetError, ExitBulkGetError, "database %s does not support /_bulk_get endpoint", db)
}

// BackupFileJsonError sinaliza uma linha inválida no arquivo de backup durante
// o restore. Exit code genérico (1) por compatibilidade.
func BackupFileJsonError(lineNumber int, format string, args ...any) *Error {
	return newError(NameBackupFileJsonError, ExitGeneric,
		"line %d: %s", lineNumber, fmt.Sprintf(format, args...))
}

// StripCredentials remove userinfo de uma URL para mensagens e logs.
// URLs que não parseiam voltam inalteradas.
func StripCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		u.User = nil
	}
	return u.String()
}
