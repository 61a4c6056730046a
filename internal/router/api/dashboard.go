package api

// dashboardHTML is the operator dashboard served at /monitoring/dashboard.
// It polls the JSON endpoints of this package.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Dispatcher Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100 min-h-screen">
<div class="container mx-auto px-4 py-8">
    <div class="flex items-center justify-between mb-6">
        <h1 class="text-3xl font-bold text-gray-900">Dispatcher</h1>
        <div class="flex items-center space-x-4">
            <span id="status" class="px-3 py-1 rounded text-sm font-medium bg-gray-200">Loading...</span>
            <span id="role" class="text-sm text-gray-600"></span>
            <button id="toggle" class="bg-blue-500 hover:bg-blue-600 text-white px-4 py-2 rounded text-sm">Pause</button>
        </div>
    </div>

    <div class="grid grid-cols-2 md:grid-cols-5 gap-4 mb-8">
        <div class="bg-white rounded shadow p-4"><p class="text-sm text-gray-600">Processed</p><p id="processed" class="text-2xl font-semibold">-</p></div>
        <div class="bg-white rounded shadow p-4"><p class="text-sm text-gray-600">Success rate</p><p id="successRate" class="text-2xl font-semibold">-</p></div>
        <div class="bg-white rounded shadow p-4"><p class="text-sm text-gray-600">In flight / queued</p><p id="load" class="text-2xl font-semibold">-</p></div>
        <div class="bg-white rounded shadow p-4"><p class="text-sm text-gray-600">Blocked groups</p><p id="blocked" class="text-2xl font-semibold">-</p></div>
        <div class="bg-white rounded shadow p-4"><p class="text-sm text-gray-600">Open breakers</p><p id="breakersOpen" class="text-2xl font-semibold">-</p></div>
    </div>

    <div class="bg-white rounded shadow mb-8">
        <h2 class="px-6 py-4 border-b text-lg font-semibold">Pools</h2>
        <table class="min-w-full text-sm">
            <thead class="bg-gray-50 text-left"><tr>
                <th class="px-6 py-2">Pool</th><th class="px-6 py-2">Concurrency</th><th class="px-6 py-2">Rate/min</th>
                <th class="px-6 py-2">In flight</th><th class="px-6 py-2">Queued</th><th class="px-6 py-2">Groups</th>
                <th class="px-6 py-2">Succeeded</th><th class="px-6 py-2">Retryable</th><th class="px-6 py-2">Permanent</th>
            </tr></thead>
            <tbody id="pools"></tbody>
        </table>
    </div>

    <div class="bg-white rounded shadow mb-8">
        <h2 class="px-6 py-4 border-b text-lg font-semibold">Blocked groups</h2>
        <table class="min-w-full text-sm">
            <thead class="bg-gray-50 text-left"><tr>
                <th class="px-6 py-2">Pool</th><th class="px-6 py-2">Group</th><th class="px-6 py-2">Blocking job</th>
                <th class="px-6 py-2">Pending</th><th class="px-6 py-2">Reason</th><th class="px-6 py-2"></th>
            </tr></thead>
            <tbody id="groups"></tbody>
        </table>
    </div>

    <div class="grid grid-cols-1 lg:grid-cols-2 gap-8">
        <div class="bg-white rounded shadow">
            <h2 class="px-6 py-4 border-b text-lg font-semibold">Circuit breakers</h2>
            <ul id="breakers" class="divide-y text-sm"></ul>
        </div>
        <div class="bg-white rounded shadow">
            <div class="px-6 py-4 border-b flex justify-between">
                <h2 class="text-lg font-semibold">Warnings</h2>
                <button id="clearWarnings" class="text-sm text-red-600">Clear all</button>
            </div>
            <ul id="warnings" class="divide-y text-sm"></ul>
        </div>
    </div>
</div>
<script>
const esc = s => String(s ?? '').replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
const get = url => fetch(url).then(r => r.json());
const post = (url, method = 'POST') => fetch(url, {method}).then(() => refresh());
let paused = false;

async function refresh() {
    const [health, pools, breakers, warnings] = await Promise.all([
        get('/monitoring/health'), get('/api/pools'), get('/api/breakers'),
        get('/monitoring/warnings?unacknowledged=true'),
    ]);

    const status = document.getElementById('status');
    status.textContent = health.status;
    status.className = 'px-3 py-1 rounded text-sm font-medium ' +
        ({HEALTHY: 'bg-green-200', DEGRADED: 'bg-yellow-200'}[health.status] || 'bg-red-200');
    document.getElementById('role').textContent = health.standby ? health.standby.role : '';
    paused = health.paused;
    document.getElementById('toggle').textContent = paused ? 'Resume' : 'Pause';
    document.getElementById('processed').textContent = health.totalJobsProcessed;
    document.getElementById('successRate').textContent = (health.overallSuccessRate * 100).toFixed(1) + '%';
    document.getElementById('load').textContent = health.totalInFlight + ' / ' + health.totalQueued;
    document.getElementById('blocked').textContent = health.blockedGroups;
    document.getElementById('breakersOpen').textContent = health.circuitBreakersOpen;

    document.getElementById('pools').innerHTML = pools.map(p => '<tr class="border-t">' +
        '<td class="px-6 py-2 font-medium">' + esc(p.poolCode) + '</td>' +
        '<td class="px-6 py-2">' + p.concurrency + '</td>' +
        '<td class="px-6 py-2">' + (p.rateLimitPerMinute ?? '-') + '</td>' +
        '<td class="px-6 py-2">' + p.inFlight + '</td>' +
        '<td class="px-6 py-2">' + p.queued + ' / ' + p.queueCapacity + '</td>' +
        '<td class="px-6 py-2">' + p.messageGroups + '</td>' +
        '<td class="px-6 py-2">' + p.totalSucceeded + '</td>' +
        '<td class="px-6 py-2">' + p.totalRetryable + '</td>' +
        '<td class="px-6 py-2">' + p.totalPermanent + '</td></tr>').join('');

    const blocked = await Promise.all(pools.filter(p => p.blockedGroups > 0).map(p =>
        get('/api/pools/' + encodeURIComponent(p.poolCode) + '/groups?blocked=true')
            .then(gs => gs.map(g => ({pool: p.poolCode, ...g})))));
    document.getElementById('groups').innerHTML = blocked.flat().map(g => {
        const base = '/api/pools/' + encodeURIComponent(g.pool) + '/groups/' + encodeURIComponent(g.key);
        return '<tr class="border-t">' +
            '<td class="px-6 py-2">' + esc(g.pool) + '</td>' +
            '<td class="px-6 py-2 font-medium">' + esc(g.key) + '</td>' +
            '<td class="px-6 py-2">' + esc(g.blockingJobId) + '</td>' +
            '<td class="px-6 py-2">' + g.pending + '</td>' +
            '<td class="px-6 py-2">' + esc(g.blockReason) + '</td>' +
            '<td class="px-6 py-2 space-x-2">' +
            '<button class="text-blue-600" onclick="post(\'' + base + '/resume\')">Resume</button>' +
            '<button class="text-red-600" onclick="post(\'' + base + '/skip\')">Skip</button></td></tr>';
    }).join('');

    document.getElementById('breakers').innerHTML = breakers.map(b =>
        '<li class="px-6 py-2 flex justify-between"><span>' + esc(b.name) + '</span>' +
        '<span>' + b.state + ' (' + (b.failureRate * 100).toFixed(0) + '% failed)' +
        (b.state !== 'CLOSED' ? ' <button class="text-blue-600" onclick="post(\'/api/breakers/reset?target=' +
            encodeURIComponent(b.name) + '\')">Reset</button>' : '') + '</span></li>').join('');

    document.getElementById('warnings').innerHTML = warnings.map(w =>
        '<li class="px-6 py-2"><span class="font-medium">' + esc(w.severity) + ' ' + esc(w.category) + '</span> ' +
        esc(w.message) + ' <button class="text-blue-600" onclick="post(\'/monitoring/warnings/' +
        encodeURIComponent(w.id) + '/acknowledge\')">Ack</button></li>').join('');
}

document.getElementById('toggle').onclick = () =>
    post('/monitoring/consumption/' + (paused ? 'resume' : 'pause'));
document.getElementById('clearWarnings').onclick = () => post('/monitoring/warnings/', 'DELETE');
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
