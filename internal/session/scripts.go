package session

import "github.com/redis/go-redis/v9"

// Lifecycle transitions are Lua scripts: the state check and the write
// execute as one unit, and Redis serializes scripts, so a transition racing
// another transition (or a response submit, which checks state in its own
// script) is decided atomically.

// startScript creates the live session record unless one already exists.
// KEYS: session. ARGV: session_id.
var startScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'active'
end
redis.call('HSET', KEYS[1], 'session_id', ARGV[1], 'state', 'active', 'started_at', '')
return 'ok'
`)

// stopClaimScript flips the session from active to stopping, so exactly one
// stop call may proceed to archival. Everything gated on the active state
// (question creation, a racing stop) is refused while the claim is held.
// KEYS: session.
var stopClaimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
	return 'not_active'
end
redis.call('HSET', KEYS[1], 'state', 'stopping')
return 'ok'
`)

// stopReleaseScript reverts an interrupted stop so it can be retried.
// KEYS: session.
var stopReleaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'stopping' then
	redis.call('HSET', KEYS[1], 'state', 'active')
end
return 'ok'
`)

// createScript stores a draft question. Fails when the session is not active
// or another question is currently open.
// KEYS: session, current_qid, meta, questions. ARGV: qid, meta field pairs...
var createScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
	return 'no_session'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 'question_open'
end
redis.call('HSET', KEYS[3], unpack(ARGV, 2))
redis.call('RPUSH', KEYS[4], ARGV[1])
return 'ok'
`)

// openScript transitions draft -> open, points current_qid at the question,
// and stamps the session's started_at on its first opened question.
// KEYS: session, current_qid, meta. ARGV: qid, now.
var openScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
	return 'no_session'
end
local qstate = redis.call('HGET', KEYS[3], 'state')
if not qstate then
	return 'not_found'
end
if qstate ~= 'draft' then
	return 'not_draft'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 'question_open'
end
redis.call('HSET', KEYS[3], 'state', 'open', 'started_at', ARGV[2])
redis.call('SET', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'started_at') == '' then
	redis.call('HSET', KEYS[1], 'started_at', ARGV[2])
end
return 'ok'
`)

// closeScript transitions open -> closed and clears the current pointer.
// Once it commits no submit can land: the submit script re-reads state.
// KEYS: current_qid, meta. ARGV: qid, now.
var closeScript = redis.NewScript(`
local qstate = redis.call('HGET', KEYS[2], 'state')
if not qstate then
	return 'not_found'
end
if qstate ~= 'open' then
	return 'not_open'
end
redis.call('HSET', KEYS[2], 'state', 'closed', 'ended_at', ARGV[2])
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 'ok'
`)

// revealScript flips tally visibility; valid for open and closed questions.
// KEYS: meta. ARGV: reveal, now.
var revealScript = redis.NewScript(`
local qstate = redis.call('HGET', KEYS[1], 'state')
if not qstate then
	return 'not_found'
end
if qstate == 'draft' then
	return 'draft'
end
redis.call('HSET', KEYS[1], 'reveal', ARGV[1], 'revealed_at', ARGV[2])
return 'ok'
`)
