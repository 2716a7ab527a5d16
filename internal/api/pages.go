package api

// docsHTML renders the OpenAPI document with Stoplight Elements.
const docsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Yuusei DevTool API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0;">
  <elements-api apiDescriptionUrl="/openapi.json" router="hash" layout="sidebar" hideExport tryItCredentialsPolicy="same-origin" />
</body>
</html>`

// viewerHTML is the page the viewer window opens. It reads target_id from
// the query string, draws the request table, and redraws on feed events.
const viewerHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <title>Yuusei DevTool</title>
  <style>
    body { background: #0d1117; color: #c9d1d9; font: 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; margin: 0; }
    header { display: flex; gap: 8px; padding: 6px 8px; border-bottom: 1px solid #30363d; align-items: center; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 3px 8px; border-bottom: 1px solid #21262d; white-space: nowrap; overflow: hidden; text-overflow: ellipsis; max-width: 420px; }
    tr.error td { color: #f85149; }
    tr:hover td { background: #161b22; cursor: pointer; }
    pre { margin: 8px; padding: 8px; background: #161b22; white-space: pre-wrap; word-break: break-all; }
  </style>
</head>
<body>
  <header>
    <select id="category">
      <option value="all">All</option><option value="Fetch">Fetch/XHR</option><option value="Document">Doc</option>
      <option value="Stylesheet">CSS</option><option value="Script">JS</option><option value="Image">Img</option>
      <option value="Font">Font</option><option value="Media">Media</option><option value="WebSocket">WS</option><option value="Other">Other</option>
    </select>
    <input id="text" placeholder="Filter URL" />
    <label><input type="checkbox" id="hideExt" /> Hide extension requests</label>
    <label><input type="checkbox" id="preserve" /> Preserve log</label>
    <button id="clear">Clear</button>
  </header>
  <table>
    <thead><tr><th>Name</th><th>Status</th><th>Type</th><th>Size</th><th>Time</th></tr></thead>
    <tbody id="rows"></tbody>
  </table>
  <pre id="detail" hidden></pre>
<script>
const target = new URLSearchParams(location.search).get('target_id') || '';
const base = '/api/v1/targets/' + encodeURIComponent(target) + '/network';
const rows = document.getElementById('rows');

function rowFor(r) {
  const tr = document.createElement('tr');
  tr.dataset.id = r.request_id;
  if (r.is_error) tr.className = 'error';
  for (const v of [r.name, r.status, r.type, r.size_text, r.time_text]) {
    const td = document.createElement('td');
    td.textContent = v;
    tr.appendChild(td);
  }
  tr.title = r.url;
  tr.onclick = () => showDetail(r.request_id);
  return tr;
}

async function reload() {
  const res = await fetch(base + '/requests');
  if (!res.ok) return;
  const list = await res.json();
  rows.replaceChildren(...(list.requests || []).map(rowFor));
}

async function showDetail(id) {
  const pre = document.getElementById('detail');
  const res = await fetch(base + '/requests/' + encodeURIComponent(id));
  pre.textContent = JSON.stringify(await res.json(), null, 2);
  pre.hidden = false;
}

async function putFilter() {
  await fetch(base + '/filter', {
    method: 'PUT',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({
      category: document.getElementById('category').value,
      text: document.getElementById('text').value,
      hide_extensions: document.getElementById('hideExt').checked,
    }),
  });
}

document.getElementById('category').onchange = putFilter;
document.getElementById('text').oninput = putFilter;
document.getElementById('hideExt').onchange = putFilter;
document.getElementById('preserve').onchange = (e) => fetch(base + '/preserve', {
  method: 'PUT',
  headers: {'Content-Type': 'application/json'},
  body: JSON.stringify({preserve: e.target.checked}),
});
document.getElementById('clear').onclick = () => fetch(base + '/requests', {method: 'DELETE'});

const feed = new EventSource('/api/v1/events?targets=' + encodeURIComponent(target));
feed.addEventListener('reset', reload);
feed.addEventListener('row', async (e) => {
  const id = JSON.parse(e.data).request_id;
  const res = await fetch(base + '/requests/' + encodeURIComponent(id) + '/row');
  const old = rows.querySelector('tr[data-id="' + CSS.escape(id) + '"]');
  if (!res.ok) { if (old) old.remove(); return; }
  const row = await res.json();
  if (!row.visible) { if (old) old.remove(); return; }
  const tr = rowFor(row.record);
  if (old) old.replaceWith(tr); else rows.appendChild(tr);
});
feed.addEventListener('session', (e) => { if (!JSON.parse(e.data).attached) window.close(); });
reload();
</script>
</body>
</html>`
