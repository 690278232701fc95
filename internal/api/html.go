package api

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Detection Stream Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        :root { --bg: #0f1115; --panel: #181b22; --fg: #e6e6e6; --accent: #22c55e; --muted: #8b93a7; }
        body { margin: 0; font-family: system-ui, sans-serif; background: var(--bg); color: var(--fg); }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 16px; }
        .title { font-size: 20px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 12px; background: #2a2f3a; color: var(--muted); }
        .badge.live { background: rgba(34,197,94,0.15); color: var(--accent); }
        .badge.error { background: rgba(239,68,68,0.15); color: #ef4444; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: var(--panel); border-radius: 8px; padding: 16px; }
        .controls { display: flex; gap: 8px; flex-wrap: wrap; margin-bottom: 12px; }
        .controls input { background: #0b0d11; color: var(--fg); border: 1px solid #2a2f3a; border-radius: 4px; padding: 6px 8px; }
        .controls button { background: var(--accent); color: #000; border: 0; border-radius: 4px; padding: 6px 14px; cursor: pointer; }
        #frame { width: 100%; background: #000; min-height: 240px; }
        ul { list-style: none; padding: 0; margin: 0; }
        li { display: flex; justify-content: space-between; padding: 6px 0; border-bottom: 1px solid #232732; }
        .muted { color: var(--muted); font-size: 12px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Detection Stream Monitor</div>
            <span class="badge" id="status-badge">Idle</span>
        </div>
        <div class="grid">
            <div class="panel">
                <div class="controls">
                    <input id="source" placeholder="camera URL or host" size="36">
                    <input id="camera-id" placeholder="camera id" size="8">
                    <input id="fps" type="number" min="1" max="60" value="10" style="width:64px">
                    <input id="confidence" type="number" min="0" max="1" step="0.05" value="0.8" style="width:72px">
                    <button id="btn-start">Start</button>
                    <button id="btn-stop">Stop</button>
                </div>
                <img id="frame" alt="Annotated stream">
                <p class="muted" id="stats">frames: 0</p>
            </div>
            <div class="panel">
                <h3>Detections</h3>
                <ul id="detections"></ul>
                <h3>Recent events</h3>
                <ul id="events"></ul>
            </div>
        </div>
    </div>
    <script>
    (function () {
        var es = null;
        var frames = 0;
        var badge = document.getElementById('status-badge');

        function setStatus(text, cls) {
            badge.textContent = text;
            badge.className = 'badge' + (cls ? ' ' + cls : '');
        }

        function renderDetections(list) {
            var ul = document.getElementById('detections');
            ul.innerHTML = '';
            list.forEach(function (d) {
                var li = document.createElement('li');
                li.innerHTML = '<span>' + d.label + '</span><span>' + d.confidence.toFixed(2) + '</span>';
                ul.appendChild(li);
            });
        }

        function loadEvents() {
            fetch('/api/v1/events?limit=10').then(function (r) { return r.json(); }).then(function (events) {
                var ul = document.getElementById('events');
                ul.innerHTML = '';
                events.forEach(function (ev) {
                    var li = document.createElement('li');
                    li.innerHTML = '<span>' + ev.label + '</span><span class="muted">' +
                        new Date(ev.occurred_at).toLocaleTimeString() + '</span>';
                    ul.appendChild(li);
                });
            }).catch(function () {});
        }

        function stop() {
            if (es) { es.close(); es = null; }
            setStatus('Idle');
        }

        function start() {
            stop();
            var params = new URLSearchParams();
            var source = document.getElementById('source').value.trim();
            var cameraId = document.getElementById('camera-id').value.trim();
            if (source) params.set('source', source);
            if (cameraId) params.set('camera_id', cameraId);
            params.set('fps', document.getElementById('fps').value);
            params.set('confidence_threshold', document.getElementById('confidence').value);

            frames = 0;
            setStatus('Connecting...');
            es = new EventSource('/api/v1/events/stream?' + params.toString());
            es.onmessage = function (e) {
                var msg = JSON.parse(e.data);
                if (msg.error) {
                    setStatus(msg.error, 'error');
                    stop();
                    return;
                }
                frames++;
                setStatus('Live', 'live');
                document.getElementById('frame').src = 'data:image/jpeg;base64,' + msg.frame;
                document.getElementById('stats').textContent = 'frames: ' + frames;
                renderDetections(msg.detections);
            };
            es.onerror = function () {
                setStatus('Disconnected', 'error');
                stop();
            };
        }

        document.getElementById('btn-start').addEventListener('click', start);
        document.getElementById('btn-stop').addEventListener('click', stop);
        loadEvents();
        setInterval(loadEvents, 5000);
    })();
    </script>
</body>
</html>
`
