package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>WbTrace Console</title>
  <style>
    :root {
      --ink: #13222a;
      --paper: #f7f5ee;
      --card: #fffdf8;
      --line: #d8ccb6;
      --accent: #20766d;
      --danger: #bd4a3e;
      --muted: #6e7b7b;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fdf8ee 0%, #f0f7f5 55%, #fffdf8 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1080px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .grid { display: grid; gap: 12px; grid-template-columns: 1fr 1.4fr; }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 280px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.9rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    .models {
      margin: 0; padding: 0; list-style: none;
      display: grid; gap: 6px; max-height: 420px; overflow: auto;
    }

    .models button {
      width: 100%; text-align: left;
      background: #fffcf6; border: 1px solid #e2d8c3; border-radius: 10px;
      padding: 8px 10px; font-size: 0.85rem; cursor: pointer;
      border-left: 4px solid var(--accent);
    }

    .models button.active { background: #e9f5f2; border-color: #9ed2c6; }

    .models .meta { display: block; margin-top: 2px; font-size: 0.72rem; color: var(--muted); }

    .feed {
      margin: 0; padding: 0; list-style: none;
      display: grid; gap: 6px; max-height: 420px; overflow: auto;
      font-size: 0.82rem;
    }

    .feed li {
      border: 1px solid #e2d8c3;
      border-left: 4px solid var(--accent);
      border-radius: 10px;
      padding: 8px 10px;
      background: #fffcf6;
    }

    .feed li.live { border-left-color: #d88a38; }

    .mono { font-family: "SFMono-Regular", Menlo, Consolas, monospace; }

    .status-line { margin-top: 8px; font-size: 0.84rem; color: var(--muted); }
    .err { color: var(--danger); }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>WbTrace Console</h1>
      <div class="sub">Workbook models and their live change traces.</div>
      <div class="status-line">Stream: <span id="streamState">disconnected</span></div>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Models</h2>
        <ul id="modelRows" class="models"></ul>
      </article>

      <article class="panel">
        <h2>Traces</h2>
        <ul id="traceRows" class="feed"></ul>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const state = { selected: "", socket: null };
      const dom = {
        modelRows: document.getElementById("modelRows"),
        traceRows: document.getElementById("traceRows"),
        streamState: document.getElementById("streamState"),
      };

      function traceLine(trace, live) {
        const li = document.createElement("li");
        if (live) {
          li.classList.add("live");
        }
        const value = trace.value === undefined || trace.value === null ? "-" : JSON.stringify(trace.value);
        li.innerHTML =
          "<span class=\"mono\">" + String(trace.timestamp || "-") + "</span> | " +
          String(trace.tracked_range_name || "-") + " | " +
          String(trace.username || "-") + " | " +
          "<span class=\"mono\">" + value + "</span>";
        return li;
      }

      function connectStream(modelId) {
        if (state.socket) {
          state.socket.close();
          state.socket = null;
        }
        const proto = window.location.protocol === "https:" ? "wss:" : "ws:";
        const socket = new WebSocket(proto + "//" + window.location.host + "/wb/trace-stream?model_id=" + encodeURIComponent(modelId));
        socket.onopen = function () { dom.streamState.textContent = "connected"; };
        socket.onclose = function () { dom.streamState.textContent = "disconnected"; };
        socket.onmessage = function (event) {
          try {
            const trace = JSON.parse(event.data);
            dom.traceRows.prepend(traceLine(trace, true));
          } catch (err) { /* skip malformed frame */ }
        };
        state.socket = socket;
      }

      async function loadTraces(modelId) {
        const response = await fetch("/wb/model-traces/" + encodeURIComponent(modelId) + "?limit=50");
        const data = await response.json();
        dom.traceRows.innerHTML = "";
        (data.traces || []).forEach(function (trace) {
          dom.traceRows.appendChild(traceLine(trace, false));
        });
      }

      function selectModel(modelId) {
        state.selected = modelId;
        loadTraces(modelId).catch(function (err) {
          dom.streamState.textContent = String(err);
          dom.streamState.className = "err";
        });
        connectStream(modelId);
        renderSelection();
      }

      function renderSelection() {
        const buttons = dom.modelRows.querySelectorAll("button");
        buttons.forEach(function (btn) {
          btn.classList.toggle("active", btn.dataset.modelId === state.selected);
        });
      }

      async function loadModels() {
        const response = await fetch("/wb/models");
        const data = await response.json();
        dom.modelRows.innerHTML = "";
        (data.models || []).forEach(function (model) {
          const li = document.createElement("li");
          const btn = document.createElement("button");
          btn.type = "button";
          btn.dataset.modelId = String(model.model_id || "");
          btn.textContent = String(model.model_name || "-");
          const meta = document.createElement("span");
          meta.className = "meta mono";
          meta.textContent = String(model.model_id || "") + " | v" + String(model.version || 0) +
            " | ranges=" + String((model.tracked_ranges || []).length);
          btn.appendChild(meta);
          btn.addEventListener("click", function () { selectModel(btn.dataset.modelId); });
          li.appendChild(btn);
          dom.modelRows.appendChild(li);
        });
        renderSelection();
      }

      loadModels().catch(function (err) {
        dom.streamState.textContent = String(err);
        dom.streamState.className = "err";
      });
      setInterval(function () { loadModels().catch(function () {}); }, 10000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
