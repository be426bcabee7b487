package collab

import "fmt"

// StatusLabel returns the status bar text for a connection state.
func StatusLabel(status Status, peerCount int) string {
	switch status {
	case StatusConnecting:
		return "Connecting..."
	case StatusConnected:
		switch {
		case peerCount == 1:
			return "Connected (1 peer)"
		case peerCount > 1:
			return fmt.Sprintf("Connected (%d peers)", peerCount)
		}
		return "Connected Solo"
	}
	return "Disconnected"
}
