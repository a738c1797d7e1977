// Package testutil contains helper builders and test doubles used across
// tests to reduce boilerplate when constructing messages and wiring
// retrievers or models with controlled behavior. They are not intended for
// production usage.
package testutil
