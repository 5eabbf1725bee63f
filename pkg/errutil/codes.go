// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil provides shared error codes and helpers built on samber/oops.
package errutil

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Error codes attached to oops errors across the plugin platform.
const (
	// CodeManifestInvalid marks a malformed or incomplete plugin manifest.
	CodeManifestInvalid = "MANIFEST_INVALID"
	// CodeSecurityViolation marks a denied permission or failed signature check.
	CodeSecurityViolation = "SECURITY_VIOLATION"
	// CodeLoadFailed marks an entry point or constructor resolution failure.
	CodeLoadFailed = "LOAD_FAILED"
	// CodeLifecycleFailed marks a plugin hook failure during a state transition.
	CodeLifecycleFailed = "LIFECYCLE_FAILED"
	// CodeSourceFetchFailed marks a single marketplace source failure.
	CodeSourceFetchFailed = "SOURCE_FETCH_FAILED"
	// CodeDependencyInstallFailed marks a single dependency install failure.
	CodeDependencyInstallFailed = "DEPENDENCY_INSTALL_FAILED"
	// CodeIncompatible marks a host, runtime or OS mismatch.
	CodeIncompatible = "INCOMPATIBLE"

	CodePluginNotFound       = "PLUGIN_NOT_FOUND"
	CodePluginExists         = "PLUGIN_EXISTS"
	CodeRegistryUnavailable  = "REGISTRY_UNAVAILABLE"
	CodeDownloadFailed       = "DOWNLOAD_FAILED"
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeStorageFailed        = "STORAGE_FAILED"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeMarketplaceNotFound  = "MARKETPLACE_PLUGIN_NOT_FOUND"
	CodeReleaseNotFound      = "RELEASE_NOT_FOUND"
	CodeArchiveInvalid       = "ARCHIVE_INVALID"
	CodeStructureInvalid     = "STRUCTURE_INVALID"
	CodeInvalidStateChange   = "INVALID_STATE_TRANSITION"
	CodeSignatureUnavailable = "SIGNATURE_UNAVAILABLE"
)

// Code returns the oops code carried by err, or the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// HasCode reports whether err carries the given oops code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}

// Message renders err as a human-readable string for API and CLI callers.
// The oops code, when present, is prefixed in brackets.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if code := Code(err); code != "" {
		return fmt.Sprintf("[%s] %s", code, err.Error())
	}
	return err.Error()
}

// Recovered converts a recovered panic value into an error with the given code.
func Recovered(code string, r any) error {
	if err, ok := r.(error); ok {
		return oops.Code(code).With("panic", true).Wrap(err)
	}
	return oops.Code(code).With("panic", true).Errorf("panic: %v", r)
}

// Join wraps errors.Join so callers do not need both packages.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
