package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if a.SocketState != nil {
		resp["socket"] = a.SocketState()
	}
	a.json(w, http.StatusOK, resp)
}
