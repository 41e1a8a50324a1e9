/*
Package test provides testing utilities for the messaging core.

This package includes:
  - Suite: Base test suite with context and testify integration
  - Run: runs a suite from a standard Test* function

It has no Postgres or Redis helpers.

Usage:

	import "github.com/coreim/messaging-core/pkg/test"

	type MyTestSuite struct {
		test.Suite
	}

	func (s *MyTestSuite) TestSomething() {
		s.NoError(doSomething(s.Ctx))
	}

	func TestMySuite(t *testing.T) {
		test.Run(t, new(MyTestSuite))
	}
*/
package test
