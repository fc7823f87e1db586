// Package setup provides the process-level configuration of imgbuild: the
// settings read from the environment and the check that every external tool a
// build needs is installed.
//
// This package is essentially a collection of defaults and checks, and is
// therefore the only package that is allowed to call a global logger.
package setup
