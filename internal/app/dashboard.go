package app

import (
	abci "github.com/cometbft/cometbft/abci/types"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/state"
)

func (a *TTTApp) initDashboard(msg codec.DashboardInitTx) *abci.ExecTxResult {
	if msg.DashboardID == "" {
		return fail("missing dashboardId")
	}
	if a.st.Exists(msg.DashboardID) {
		return fail("account already exists")
	}
	a.st.Dashboards[msg.DashboardID] = &state.DashboardState{Completed: []string{}}
	return okEvent("DashboardCreated", map[string]string{
		"dashboardId": msg.DashboardID,
	}, msg.DashboardID)
}

// applyDashboardUpdate folds the referenced game's phase into d:
// a waiting game becomes the advertisement, a finished one is logged once.
func applyDashboardUpdate(d *state.DashboardState, gameID string, phase state.Phase) (action string) {
	switch {
	case phase == state.PhaseWaiting:
		d.Pending = gameID
		return "advertised"
	case phase.Terminal():
		if d.Pending == gameID {
			d.Pending = ""
		}
		if d.HasCompleted(gameID) {
			return "unchanged"
		}
		d.Completed = append(d.Completed, gameID)
		return "completed"
	default:
		// Started games are no longer joinable.
		if d.Pending == gameID {
			d.Pending = ""
			return "cleared"
		}
		return "unchanged"
	}
}

func (a *TTTApp) updateDashboard(msg codec.DashboardUpdateTx) *abci.ExecTxResult {
	d := a.st.Dashboards[msg.DashboardID]
	if d == nil {
		return fail("dashboard not found")
	}
	g := a.st.Games[msg.GameID]
	if g == nil {
		return fail("game not found")
	}

	action := applyDashboardUpdate(d, msg.GameID, g.Phase)
	attrs := map[string]string{
		"dashboardId": msg.DashboardID,
		"gameId":      msg.GameID,
		"action":      action,
	}
	if action == "unchanged" {
		return okEvent("DashboardUpdated", attrs)
	}
	return okEvent("DashboardUpdated", attrs, msg.DashboardID)
}
