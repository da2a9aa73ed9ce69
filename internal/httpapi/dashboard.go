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
  <title>Edge Agent</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .controls { display: flex; gap: 10px; margin-top: 10px; }
    .controls input {
      flex: 1;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 9px 11px;
    }
    button {
      border: 0;
      border-radius: 10px;
      padding: 9px 12px;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, minmax(120px, 1fr)); }
    .label { text-transform: uppercase; letter-spacing: 0.09em; font-size: 0.66rem; color: var(--muted); }
    .value { margin-top: 6px; font-weight: 700; }
    .offline { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); }
    #status { color: var(--muted); font-size: 0.85rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Edge Agent</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" />
        <button id="refresh">Refresh</button>
        <button id="skip">Skip waiting</button>
      </div>
      <div id="status">enter token to start</div>
    </div>
    <div class="cards">
      <div class="panel"><div class="label">Active</div><div class="value" id="active">-</div></div>
      <div class="panel"><div class="label">Waiting</div><div class="value" id="waiting">-</div></div>
      <div class="panel"><div class="label">Connectivity</div><div class="value" id="online">-</div></div>
      <div class="panel"><div class="label">Queue</div><div class="value" id="depth">-</div></div>
    </div>
    <div class="panel">
      <div class="label">Pending operations</div>
      <table><thead><tr><th>ID</th><th>Tag</th><th>Method</th><th>Endpoint</th><th>Retries</th><th>State</th></tr></thead>
      <tbody id="ops"></tbody></table>
    </div>
    <div class="panel">
      <div class="label">Notifications</div>
      <table><thead><tr><th>ID</th><th>Title</th><th>Tag</th><th>State</th></tr></thead>
      <tbody id="notes"></tbody></table>
    </div>
  </div>
  <script>
    (function () {
      const $ = function (id) { return document.getElementById(id); };
      function token() { return $("token").value.trim(); }
      async function call(method, path) {
        const response = await fetch(path, {
          method: method,
          headers: { "Authorization": "Bearer " + token() }
        });
        if (!response.ok) {
          throw new Error(method + " " + path + " -> " + response.status);
        }
        return response.json();
      }
      function cell(text) {
        const td = document.createElement("td");
        td.textContent = text == null ? "" : String(text);
        return td;
      }
      function fill(tbody, rows) {
        tbody.replaceChildren();
        rows.forEach(function (cols) {
          const tr = document.createElement("tr");
          cols.forEach(function (c) { tr.appendChild(cell(c)); });
          tbody.appendChild(tr);
        });
      }
      async function refresh() {
        if (!token()) { return; }
        try {
          const state = await call("GET", "/v1/lifecycle");
          const lc = state.lifecycle || {};
          $("active").textContent = lc.active ? lc.active.tag : "none";
          $("waiting").textContent = lc.waiting ? lc.waiting.tag : "none";
          const online = state.connectivity ? state.connectivity.online : null;
          $("online").textContent = online == null ? "unknown" : (online ? "online" : "offline");
          $("online").className = "value" + (online === false ? " offline" : "");
          $("depth").textContent = String(state.queueDepth);
          const queue = await call("GET", "/v1/queue");
          fill($("ops"), (queue.items || []).map(function (op) {
            return [op.id, op.tag, op.method, op.endpoint, op.retryCount, op.state];
          }));
          const notes = await call("GET", "/v1/notifications");
          fill($("notes"), (notes.items || []).map(function (n) {
            return [n.id, n.descriptor.title, n.descriptor.tag, n.state];
          }));
          window.localStorage.setItem("edge_dashboard_token", token());
          $("status").textContent = "updated " + new Date().toLocaleTimeString();
        } catch (err) {
          $("status").textContent = err.message;
        }
      }
      $("refresh").addEventListener("click", refresh);
      $("skip").addEventListener("click", async function () {
        try {
          await fetch("/v1/messages", {
            method: "POST",
            headers: { "Authorization": "Bearer " + token(), "Content-Type": "application/json" },
            body: JSON.stringify({ type: "SKIP_WAITING" })
          });
        } finally {
          refresh();
        }
      });
      $("token").value = window.localStorage.getItem("edge_dashboard_token") || "";
      refresh();
      window.setInterval(refresh, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
