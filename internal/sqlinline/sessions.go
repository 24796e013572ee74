package sqlinline

const QCreateSessionsTable = `--sql 67d52e7e-66ce-4a64-b01c-a27782c4421d
create table if not exists generation_sessions (
  id          text primary key,
  user_key    text not null,
  prompt      text not null,
  model       text not null default '',
  thread_id   text not null default '',
  status      text not null,
  failed      boolean not null default false,
  outcome     text not null,
  created_at  timestamptz not null,
  finished_at timestamptz not null default now()
);
`

const QCreateSlotsTable = `--sql e9dd5d02-97b1-406a-9e83-c6c62f685d64
create table if not exists generation_slots (
  session_id   text not null references generation_sessions(id) on delete cascade,
  slot_index   int not null,
  job_id       text not null,
  status       text not null,
  payload_ref  text,
  payload_size int,
  primary key (session_id, slot_index)
);
`

const QUpsertSession = `--sql 20e60a5b-e406-4927-9c6c-777e1c759a05
insert into generation_sessions(
  id, user_key, prompt, model, thread_id, status, failed, outcome, created_at, finished_at
) values (
  $1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::boolean, $8::text, $9::timestamptz, now()
)
on conflict (id) do update set
  thread_id   = excluded.thread_id,
  status      = excluded.status,
  failed      = excluded.failed,
  outcome     = excluded.outcome,
  finished_at = now();
`

const QUpsertSlot = `--sql 5342a871-8caf-4b43-9b79-7acd8fcc7c62
insert into generation_slots(
  session_id, slot_index, job_id, status, payload_ref, payload_size
) values (
  $1::text, $2::int, $3::text, $4::text, nullif($5::text, ''), $6::int
)
on conflict (session_id, slot_index) do update set
  job_id       = excluded.job_id,
  status       = excluded.status,
  payload_ref  = excluded.payload_ref,
  payload_size = excluded.payload_size;
`

const QListRecentSessions = `--sql 793c6d37-539b-41c2-91d4-b1b45dc21279
select id, prompt, model, thread_id, status, failed, outcome, created_at, finished_at
from generation_sessions
where user_key = $1::text
order by created_at desc
limit $2::int;
`
