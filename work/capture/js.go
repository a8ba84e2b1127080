package capture

import "fmt"

// audioBinding is the window function the in-page recorder delivers its
// chunks through.
const audioBinding = "__redcarrdAudio"

// hasVideoScript reports whether the page has a video element yet.
const hasVideoScript = `document.querySelector('video') !== null`

// videoRectScript measures the first video element's rendered size so the
// capture viewport can match it.
const videoRectScript = `(() => {
	const v = document.querySelector('video');
	if (!v) return null;
	const r = v.getBoundingClientRect();
	return { width: Math.round(r.width), height: Math.round(r.height) };
})()`

// autoplayScript kicks playback through the generic HTML5 API first, then
// the player libraries the embeds actually ship. Failures are swallowed:
// any one succeeding is enough, and the screencast shows the result either
// way.
const autoplayScript = `(() => {
	let attempts = 0;
	for (const v of document.querySelectorAll('video')) {
		attempts++;
		v.autoplay = true;
		const p = v.play();
		if (p && p.catch) p.catch(() => {});
	}
	try {
		if (typeof jwplayer === 'function') { jwplayer().play(); attempts++; }
	} catch (e) {}
	try {
		if (typeof videojs !== 'undefined' && videojs.getPlayers) {
			const players = videojs.getPlayers();
			for (const id of Object.keys(players)) {
				if (players[id] && players[id].play) { players[id].play(); attempts++; }
			}
		}
	} catch (e) {}
	try {
		if (window.player && window.player.play) { window.player.play(); attempts++; }
	} catch (e) {}
	return attempts;
})()`

// playingScript reports whether any video element is actually advancing.
const playingScript = `(() => {
	for (const v of document.querySelectorAll('video')) {
		if (!v.paused && !v.ended && v.readyState >= 2) return true;
	}
	return false;
})()`

// audioTapScript routes every media element's audio into a capture graph
// and records it as WebM chunks, delivered base64-encoded through the
// page binding. Idempotent: a second evaluation is a no-op.
//
// Parameters:
//   - chunkMs: recorder timeslice in milliseconds
//
// Returns the script text; evaluating it yields true once the tap is live.
func audioTapScript(chunkMs int) string {
	return fmt.Sprintf(`(() => {
	if (window.__redcarrdTap) return true;
	const AC = window.AudioContext || window.webkitAudioContext;
	if (!AC || typeof MediaRecorder === 'undefined') return false;
	const ctx = new AC();
	const dest = ctx.createMediaStreamDestination();
	let wired = 0;
	for (const el of document.querySelectorAll('video, audio')) {
		try {
			ctx.createMediaElementSource(el).connect(dest);
			wired++;
		} catch (e) {}
	}
	if (wired === 0) return false;
	if (ctx.state === 'suspended') ctx.resume().catch(() => {});
	const rec = new MediaRecorder(dest.stream, { mimeType: 'audio/webm' });
	rec.ondataavailable = async (ev) => {
		if (!ev.data || ev.data.size === 0) return;
		const buf = await ev.data.arrayBuffer();
		const bytes = new Uint8Array(buf);
		let bin = '';
		for (let i = 0; i < bytes.length; i += 32768) {
			bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 32768));
		}
		window.%s(btoa(bin));
	};
	rec.start(%d);
	window.__redcarrdTap = rec;
	return true;
})()`, audioBinding, chunkMs)
}

// stopTapScript ends the recorder so the last chunk flushes before the
// page goes away.
const stopTapScript = `(() => {
	if (window.__redcarrdTap) {
		try { window.__redcarrdTap.stop(); } catch (e) {}
		window.__redcarrdTap = null;
		return true;
	}
	return false;
})()`
