// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package chat provides the full-screen calma interface.

The interface is a Bubble Tea program with three panes:
  - a sidebar listing conversations, most recent first
  - a viewport showing the active conversation
  - a textarea holding the draft

All state lives in a session.Controller. The model only renders what the
repository holds and forwards user intent to the controller; replies stream
in the background and the controller's update callbacks trigger redraws.

# Streaming

Controller updates arrive once per streamed chunk. A Refresher coalesces them
and paces redraws with a token-bucket limiter so fast streams do not flood
the terminal.

# Usage

	ctrl := session.NewController(repo, client, trigger, logger)
	if err := chat.Run(ctx, ctrl, logger); err != nil {
		return err
	}
*/
package chat
