// Package authn implements the authentication transaction engine.
//
// A transaction carries one or more credentials and an optional target service.
// The Manager runs it against an ExecutionPlan assembled once at startup:
//
//	Transaction → PreProcessors → HandlerResolvers → Handler × Credential
//	            → PrincipalResolver → MetadataPopulators → Policies
//	            → Builder.Build() → PostProcessors → *Authentication
//
// Architecture:
//
//   - Handler and PrincipalResolver: capability contracts implemented by deployment modules
//   - HandlerResolver: narrows the registered handlers to candidates per transaction
//   - MetadataPopulator: enriches the in-progress result with contextual attributes
//   - Policy and PolicyResolver: decide whether accumulated successes/failures are enough
//   - ExecutionPlan: copy-on-write registry with lock-free reads
//   - Builder and Authentication: incremental construction and the immutable result
//
// Handler failures are classified into a Failure with an explicit FailureKind.
// On overall failure the manager returns exactly one *AuthenticationError carrying
// every failure collected so far; on success it returns a fully built Authentication.
package authn
