package api

// dashboardHTML is a small read-only admin view over the backend registry,
// pool occupancy, and process status. Generalized from the teacher's
// tenant-CRUD dashboard — backends here are configured via YAML and a
// health prober, not provisioned through this UI, so there is no add/edit
// form, only live status.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>sqlmediator Dashboard</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
.container{max-width:1200px;margin:0 auto;padding:24px}
header{display:flex;align-items:center;gap:16px;margin-bottom:24px;flex-wrap:wrap}
header h1{font-size:20px;font-weight:700}
.badge{display:inline-flex;align-items:center;gap:6px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block}
.dot-up{background:var(--green)}.dot-down{background:var(--red)}.dot-unknown{background:var(--text-muted)}
.summary{display:grid;grid-template-columns:repeat(auto-fit,minmax(180px,1fr));gap:16px;margin-bottom:24px}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:28px;font-weight:700}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden;margin-bottom:24px}
th,td{text-align:left;padding:10px 14px;border-bottom:1px solid var(--border);font-size:14px}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px;letter-spacing:.4px}
tr:last-child td{border-bottom:none}
tr:hover td{background:var(--bg-card-hover)}
section h2{font-size:14px;text-transform:uppercase;letter-spacing:.4px;color:var(--text-muted);margin:24px 0 8px}
.muted{color:var(--text-muted)}
</style>
</head>
<body>
<div class="container">
  <header>
    <h1>sqlmediator</h1>
    <span id="overall-badge" class="badge">checking…</span>
    <span class="muted" id="uptime"></span>
  </header>

  <div class="summary" id="summary"></div>

  <section>
    <h2>Backends</h2>
    <table>
      <thead><tr><th>Index</th><th>Address</th><th>Role</th><th>State</th><th>Connected clients</th></tr></thead>
      <tbody id="backends-body"><tr><td colspan="5" class="muted">loading…</td></tr></tbody>
    </table>
  </section>

  <section>
    <h2>Pool occupancy</h2>
    <table>
      <thead><tr><th>Backend</th><th>User</th><th>DB</th><th>Idle</th><th>Active</th><th>Total</th><th>Waiting</th><th>Exhausted</th></tr></thead>
      <tbody id="pool-body"><tr><td colspan="8" class="muted">loading…</td></tr></tbody>
    </table>
  </section>
</div>

<script>
function dot(state) {
  if (state === 'up') return '<span class="dot dot-up"></span> up';
  if (state === 'down') return '<span class="dot dot-down"></span> down';
  return '<span class="dot dot-unknown"></span> unknown';
}

async function refresh() {
  try {
    const [status, health, backends, pool] = await Promise.all([
      fetch('/status').then(r => r.json()),
      fetch('/health').then(r => r.json()),
      fetch('/backends').then(r => r.json()),
      fetch('/pool/stats').then(r => r.json()),
    ]);

    const badge = document.getElementById('overall-badge');
    if (health.status === 'healthy') {
      badge.textContent = 'all backends healthy';
      badge.className = 'badge badge-healthy';
    } else {
      badge.textContent = 'degraded';
      badge.className = 'badge badge-unhealthy';
    }
    document.getElementById('uptime').textContent =
      'uptime ' + Math.floor(status.uptime_seconds / 60) + 'm · ' + status.goroutines + ' goroutines';

    document.getElementById('summary').innerHTML = [
      ['Backends', status.num_backends],
      ['Memory (MB)', status.memory_mb.toFixed(1)],
      ['Proxy addr', status.listen.proxy_addr],
      ['Master addr', status.listen.master_addr],
    ].map(([label, value]) =>
      '<div class="card"><div class="card-label">' + label + '</div><div class="card-value">' + value + '</div></div>'
    ).join('');

    document.getElementById('backends-body').innerHTML = backends.length
      ? backends.map(b =>
          '<tr><td>' + b.index + '</td><td>' + b.address + '</td><td>' + b.role +
          '</td><td>' + dot(b.state) + '</td><td>' + b.connected_clients + '</td></tr>'
        ).join('')
      : '<tr><td colspan="5" class="muted">no backends configured</td></tr>';

    document.getElementById('pool-body').innerHTML = pool.length
      ? pool.map(p =>
          '<tr><td>' + p.Key.BackendIndex + '</td><td>' + p.Key.User + '</td><td>' + p.Key.DefaultDB +
          '</td><td>' + p.Idle + '</td><td>' + p.Active + '</td><td>' + p.Total +
          '</td><td>' + p.Waiting + '</td><td>' + p.Exhausted + '</td></tr>'
        ).join('')
      : '<tr><td colspan="8" class="muted">no pooled endpoints yet</td></tr>';
  } catch (e) {
    console.error('dashboard refresh failed', e);
  }
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`
