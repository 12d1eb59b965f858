//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// CategorizedErrors flags plain stdlib errors created in library packages.
// Errors leaving internal/ carry a component and a category so the API can
// map them to status codes and telemetry can decide what to report.
//
// Old pattern:
//
//	return stderrors.New("rating out of range")
//
// New pattern:
//
//	return errors.Newf("rating out of range").
//		Component("moderation").
//		Category(errors.CategoryValidation).
//		Build()
func CategorizedErrors(m dsl.Matcher) {
	m.Match(`errors.New($msg)`).
		Where(m["msg"].Type.Is("string") &&
			m.File().PkgPath.Matches(`/internal/`) &&
			!m.File().PkgPath.Matches(`/internal/errors$`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("use internal/errors Newf(...).Component(...).Category(...).Build() instead of a bare stdlib error")
}

// BuilderWithoutBuild flags error builders that are never finished.
func BuilderWithoutBuild(m dsl.Matcher) {
	m.Match(`return $b.Component($c)`, `return $b.Category($c)`, `return $b.Context($k, $v)`).
		Where(m["b"].Type.Is("*errors.ErrorBuilder")).
		Report("call .Build() to turn the error builder into an error")
}
