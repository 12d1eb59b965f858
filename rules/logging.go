//go:build ruleguard

// Package gorules holds project lint rules for golangci-lint's ruleguard checker.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// ModuleLogger flags direct printing from library packages. Everything under
// internal/ logs through its module logger (GetLogger) so output honours the
// configured levels, outputs and trace ids.
//
// Old pattern:
//
//	fmt.Printf("source %s failed: %v\n", name, err)
//	log.Printf("source %s failed: %v", name, err)
//
// New pattern:
//
//	GetLogger().Warn("source run failed", logger.String("source", name), logger.Error(err))
func ModuleLogger(m dsl.Matcher) {
	m.Match(
		`fmt.Print($*_)`,
		`fmt.Printf($*_)`,
		`fmt.Println($*_)`,
		`log.Print($*_)`,
		`log.Printf($*_)`,
		`log.Println($*_)`,
	).
		Where(m.File().PkgPath.Matches(`/internal/`) &&
			!m.File().PkgPath.Matches(`/internal/logger$`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("use the package module logger (GetLogger) instead of printing to stdout")

	m.Match(`log.Fatal($*_)`, `log.Fatalf($*_)`, `log.Fatalln($*_)`).
		Where(!m.File().Name.Matches(`_test\.go$`)).
		Report("return the error to the caller; only main decides the exit code")
}
