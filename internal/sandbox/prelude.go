package sandbox

import "github.com/dop251/goja"

// preludeSrc wires the host bridge into the pm API and then removes the
// bridge functions from the global scope. User scripts see pm and console
// plus the interpreter's own ECMAScript builtins (JSON, Math, Date, String
// and friends) — nothing that touches the host.
//
// The pm surface is a stable contract: methods may be added, never removed.
const preludeSrc = `
(function (global) {
	var record = global.__record;
	var varGet = global.__varGet, varSet = global.__varSet, varUnset = global.__varUnset;
	var envGet = global.__envGet, envSet = global.__envSet, envUnset = global.__envUnset;
	var gblGet = global.__globalGet, gblSet = global.__globalSet, gblUnset = global.__globalUnset;
	var reqInfo = global.__reqInfo, reqHeaders = global.__reqHeaders, reqHeaderGet = global.__reqHeaderGet;
	var reqAdd = global.__reqHeaderAdd, reqRemove = global.__reqHeaderRemove, reqUpsert = global.__reqHeaderUpsert;
	var respInfo = global.__respInfo, respHeaderGet = global.__respHeaderGet, respText = global.__respText;
	var logHost = global.__consoleLog;

	var bridges = ['__record', '__varGet', '__varSet', '__varUnset', '__envGet', '__envSet',
		'__envUnset', '__globalGet', '__globalSet', '__globalUnset', '__reqInfo', '__reqHeaders',
		'__reqHeaderGet', '__reqHeaderAdd', '__reqHeaderRemove', '__reqHeaderUpsert',
		'__respInfo', '__respHeaderGet', '__respText', '__consoleLog'];
	for (var i = 0; i < bridges.length; i++) { delete global[bridges[i]]; }

	var pm = {};

	pm.variables = {
		get: function (n) { return varGet(String(n)); },
		set: function (n, v) { varSet(String(n), String(v)); },
		unset: function (n) { varUnset(String(n)); }
	};
	pm.environment = {
		get: function (n) { return envGet(String(n)); },
		set: function (n, v) { envSet(String(n), String(v)); },
		unset: function (n) { envUnset(String(n)); }
	};
	pm.globals = {
		get: function (n) { return gblGet(String(n)); },
		set: function (n, v) { gblSet(String(n), String(v)); },
		unset: function (n) { gblUnset(String(n)); }
	};

	pm.request = {};
	Object.defineProperty(pm.request, 'method', { get: function () { return reqInfo().method; }, enumerable: true });
	Object.defineProperty(pm.request, 'url', { get: function () { return reqInfo().url; }, enumerable: true });
	Object.defineProperty(pm.request, 'body', { get: function () { return reqInfo().body; }, enumerable: true });
	pm.request.headers = {
		all: function () { return reqHeaders(); },
		get: function (k) { return reqHeaderGet(String(k)); },
		add: function (k, v) { reqAdd(String(k), String(v)); },
		remove: function (k) { reqRemove(String(k)); },
		upsert: function (k, v) { reqUpsert(String(k), String(v)); }
	};

	if (respInfo) {
		var info = respInfo();
		pm.response = {
			code: info.code,
			status: info.status,
			responseTime: info.responseTime,
			headers: { get: function (k) { return respHeaderGet(String(k)); } },
			text: function () { return respText(); },
			json: function () { return JSON.parse(respText()); }
		};
	}

	pm.test = function (name, fn) {
		if (typeof fn !== 'function') {
			record(String(name), false, 'pm.test requires a function');
			return pm;
		}
		try {
			fn();
			record(String(name), true, null);
		} catch (e) {
			record(String(name), false, (e && e.message) ? String(e.message) : String(e));
		}
		return pm;
	};

	pm.expect = function (actual) {
		function fail(msg) { throw new Error(msg); }
		function show(v) {
			try { var s = JSON.stringify(v); return s === undefined ? String(v) : s; }
			catch (e) { return String(v); }
		}
		var chain = {};
		var to = {};
		var be = {};
		to.equal = function (expected) {
			if (actual !== expected) fail('expected ' + show(actual) + ' to equal ' + show(expected));
			return chain;
		};
		to.include = function (needle) {
			var ok = false;
			if (typeof actual === 'string') ok = actual.indexOf(needle) !== -1;
			else if (Array.isArray(actual)) ok = actual.indexOf(needle) !== -1;
			if (!ok) fail('expected ' + show(actual) + ' to include ' + show(needle));
			return chain;
		};
		be.above = function (n) {
			if (!(actual > n)) fail('expected ' + show(actual) + ' to be above ' + show(n));
			return chain;
		};
		be.below = function (n) {
			if (!(actual < n)) fail('expected ' + show(actual) + ' to be below ' + show(n));
			return chain;
		};
		Object.defineProperty(be, 'ok', {
			get: function () {
				var code = (actual !== null && typeof actual === 'object' && typeof actual.code === 'number')
					? actual.code : actual;
				if (typeof code !== 'number' || code < 200 || code > 299) {
					fail('expected ' + show(actual) + ' to be a 2xx status');
				}
				return chain;
			}
		});
		to.be = be;
		chain.to = to;
		return chain;
	};

	global.pm = pm;
	global.console = {
		log: function () { logHost('log', Array.prototype.slice.call(arguments)); },
		info: function () { logHost('info', Array.prototype.slice.call(arguments)); },
		warn: function () { logHost('warn', Array.prototype.slice.call(arguments)); },
		error: function () { logHost('error', Array.prototype.slice.call(arguments)); },
		debug: function () { logHost('debug', Array.prototype.slice.call(arguments)); }
	};
})(this);
`

var preludeProgram = goja.MustCompile("pm-prelude.js", preludeSrc, false)
