package mongo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"

	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/auth"
	drivertopology "go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// Server error codes the bootstrapper cares about
const (
	CodeUserNotFound                    = 11
	CodeUnauthorized                    = 13
	CodeAuthenticationFailed            = 18
	CodeAlreadyInitialized              = 23
	CodeNotYetInitialized               = 94
	CodeShutdownInProgress              = 91
	CodeConfigurationInProgress         = 109
	CodePrimarySteppedDown              = 189
	CodeCurrentConfigNotCommittedYet    = 308
	CodeInterruptedDueToReplStateChange = 11602
	CodeNotWritablePrimary              = 10107
	CodeNotPrimaryNoSecondaryOk         = 13435
	CodeNotPrimaryOrSecondary           = 13436
	CodeDuplicateKey                    = 11000
	CodeUserAlreadyExists               = 51003
)

var transientCodes = []int{
	CodeNotYetInitialized,
	CodeShutdownInProgress,
	CodeConfigurationInProgress,
	CodePrimarySteppedDown,
	CodeCurrentConfigNotCommittedYet,
	CodeInterruptedDueToReplStateChange,
	CodeNotWritablePrimary,
	CodeNotPrimaryNoSecondaryOk,
	CodeNotPrimaryOrSecondary,
}

var alreadySatisfiedMessages = []string{
	"already initialized",
	"already been initiated",
	"already exists",
	"already enabled",
	"already a member",
}

// IsTransient reports whether err is worth retrying: the node could not be
// reached, or it answered with a state that settles on its own. Client-side
// setup failures (certificates, credentials, bad options) are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || isSetupError(err) {
		return false
	}

	var serverErr driver.ServerError
	if errors.As(err, &serverErr) {
		for _, code := range transientCodes {
			if serverErr.HasErrorCode(code) {
				return true
			}
		}
	}

	if driver.IsTimeout(err) || driver.IsNetworkError(err) {
		return true
	}

	var selErr drivertopology.ServerSelectionError
	if errors.As(err, &selErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUnauthorized reports whether the server refused err's command because
// the connection is not authenticated as a user allowed to run it
func IsUnauthorized(err error) bool {
	var serverErr driver.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.HasErrorCode(CodeUnauthorized) || serverErr.HasErrorCode(CodeUserNotFound)
}

// IsNotPrimary reports whether err came from a node that is no longer, or
// never was, the primary of its set
func IsNotPrimary(err error) bool {
	var serverErr driver.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	for _, code := range []int{CodeNotWritablePrimary, CodeNotPrimaryNoSecondaryOk, CodePrimarySteppedDown, CodeInterruptedDueToReplStateChange} {
		if serverErr.HasErrorCode(code) {
			return true
		}
	}
	return false
}

// isSetupError reports certificate and authentication handshake failures.
// Server selection hides them in the last error of each server it tried.
func isSetupError(err error) bool {
	var (
		authErr     *auth.Error
		unknownCA   x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
		hostErr     x509.HostnameError
		verifyErr   *tls.CertificateVerificationError
	)
	if errors.As(err, &authErr) || errors.As(err, &unknownCA) || errors.As(err, &invalidCert) ||
		errors.As(err, &hostErr) || errors.As(err, &verifyErr) {
		return true
	}

	var selErr drivertopology.ServerSelectionError
	if errors.As(err, &selErr) {
		for _, server := range selErr.Desc.Servers {
			if server.LastError != nil && isSetupError(server.LastError) {
				return true
			}
		}
	}
	return false
}

// IsAlreadySatisfied reports whether err means the command's goal already
// holds, so repeating the command is a no-op.
func IsAlreadySatisfied(err error) bool {
	if err == nil {
		return false
	}

	var serverErr driver.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}

	if serverErr.HasErrorCode(CodeAlreadyInitialized) || serverErr.HasErrorCode(CodeUserAlreadyExists) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range alreadySatisfiedMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
