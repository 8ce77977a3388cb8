// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package buffer // import "go.opentelemetry.io/coverhost/buffer"

import "strconv"

// Role literals distinguish the objects of one channel. The native agent derives the same
// names, so these strings are part of the protocol.
const (
	RoleRequestReady    = `\CoverHost_Profiler_Communication_SendData_Event_`
	RoleResponseReady   = `\CoverHost_Profiler_Communication_ReceiveData_Event_`
	RoleInformationRead = `\CoverHost_Profiler_Communication_ChunkData_Event_`
	RoleCommSegment     = `\CoverHost_Profiler_Communication_MemoryMapFile_`
	RoleCommSemaphore   = `\CoverHost_Profiler_Communication_Semaphore_`

	RoleHasResults       = `\CoverHost_Profiler_Results_SendResults_Event_`
	RoleResultsReceived  = `\CoverHost_Profiler_Results_ReceiveResults_Event_`
	RoleResultsSegment   = `\CoverHost_Profiler_Results_MemoryMapFile_`
	RoleResultsSemaphore = `\CoverHost_Profiler_Results_Semaphore_`
)

// Namespaces of named objects. Global is used when objects are shared with another
// identity, such as a service account.
const (
	NamespaceLocal  = "Local"
	NamespaceGlobal = "Global"
)

// RootBufferID identifies the root communication channel of a session.
const RootBufferID uint32 = 0

// Name returns the object name for role in the channel identified by namespace, key and
// bufferID. The root channel carries no id suffix.
func Name(namespace, role, key string, bufferID uint32) string {
	name := namespace + role + key
	if bufferID != RootBufferID {
		name += strconv.FormatUint(uint64(bufferID), 10)
	}
	return name
}
