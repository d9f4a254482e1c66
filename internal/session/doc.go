// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives a chat session over the conversation repository.
//
// The Controller owns the active-conversation state machine, the input draft
// and every in-flight exchange. Each exchange captures its conversation id at
// send time and streams into that id only, so switching or deleting
// conversations while a reply streams never redirects it.
//
// # Key Types
//
//   - Controller: session state machine and exchange launcher
//   - Exchange: handle for one streaming reply
//   - State: NoActiveConversation, Viewing or Sending
//
// # Usage
//
//	ctrl := session.NewController(repo, client, trigger, logger)
//	ex, err := ctrl.Send(ctx, "Hola")
//	ex.Wait()
package session
